package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// Runner is the fork-exec and signal-delivery boundary a TaskRuntime
// spawns through. Abstracted behind an interface so runtime_test.go can
// substitute a fake that never actually forks. Start and Signal must
// both return promptly, never block waiting on the child.
type Runner interface {
	// Start forks and execs execPath, presenting argv as the child's
	// argument vector (argv[0] may differ from execPath's basename when
	// a task configures procname), running as uid/gid if either is
	// non-zero, and returns its pid immediately after the fork succeeds.
	Start(execPath string, argv []string, env []string, cwd string, uid, gid int) (pid int, err error)
	// Signal delivers sig to pid. ESRCH ("no such process") is not
	// reported as an error: the caller treats a dead target the same
	// as a successfully delivered signal.
	Signal(pid int, sig syscall.Signal) error
}

// OSRunner is the production Runner: real fork/exec via
// os.StartProcess.
type OSRunner struct{}

func (OSRunner) Start(execPath string, argv, env []string, cwd string, uid, gid int) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("supervisor: empty argv")
	}
	path := execPath
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}

	attr := &os.ProcAttr{
		Dir:   cwd,
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	}
	if uid > 0 || gid > 0 {
		attr.Sys = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
	}

	proc, err := os.StartProcess(path, argv, attr)
	if err != nil {
		return 0, err
	}
	return proc.Pid, nil
}

func (OSRunner) Signal(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// ResolveIdentity resolves a TaskSpec's configured user/group (which may
// both be empty, meaning "run as the supervisor itself") to the numeric
// uid/gid Runner.Start needs, and the canonical names used for the
// Task_user/Task_group/Task_uid/Task_gid context injections.
func ResolveIdentity(specUser, specGroup string) (userName, uid, groupName, gid string, err error) {
	if specUser == "" {
		uid = strconv.Itoa(os.Getuid())
		if u, lookErr := user.LookupId(uid); lookErr == nil {
			userName = u.Username
			if specGroup == "" {
				gid = u.Gid
			}
		} else {
			userName = uid
		}
	} else {
		u, lookErr := user.Lookup(specUser)
		if lookErr != nil {
			return "", "", "", "", fmt.Errorf("resolving user %q: %w", specUser, lookErr)
		}
		userName = specUser
		uid = u.Uid
		if specGroup == "" {
			gid = u.Gid
		}
	}

	if specGroup != "" {
		g, lookErr := user.LookupGroup(specGroup)
		if lookErr != nil {
			return "", "", "", "", fmt.Errorf("resolving group %q: %w", specGroup, lookErr)
		}
		groupName = specGroup
		gid = g.Gid
	} else if groupName == "" {
		if g, lookErr := user.LookupGroupId(gid); lookErr == nil {
			groupName = g.Name
		} else {
			groupName = gid
		}
	}

	return userName, uid, groupName, gid, nil
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
