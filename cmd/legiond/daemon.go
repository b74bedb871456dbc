package main

import (
	"os"
	"syscall"
)

// daemonEnv marks the re-exec'd child so it doesn't daemonize again.
const daemonEnv = "LEGIOND_DAEMONIZED"

func daemonized() bool {
	return os.Getenv(daemonEnv) == "1"
}

// daemonize re-executes the supervisor detached from the controlling
// terminal: new session, cwd at /, stdio on /dev/null. The parent
// returns and exits 0 once the child is off.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Dir:   "/",
		Env:   append(os.Environ(), daemonEnv+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return err
	}
	return proc.Release()
}
