// Package pidfile implements the orphan-adoption primitives: reading a
// task's pidfile, verifying the named process is alive with a null
// signal, and cross-checking its executable against the task's
// configured start command. Pidfiles are authoritative for orphan
// adoption but are never assumed to be atomically consistent with the
// process table.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Read parses a pidfile's content as a bare decimal PID, the
// conventional format this supervisor and its config templates
// (`pidfile: "/run/{Task_name}.pid"`) produce.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s does not contain a bare pid: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pidfile: %s contains non-positive pid %d", path, pid)
	}
	return pid, nil
}

// Write records pid at path in the bare-decimal format Read expects,
// creating parent directories as needed.
func Write(path string, pid int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pidfile: %w", err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Remove deletes a pidfile, ignoring a missing file.
func Remove(path string) {
	_ = os.Remove(path)
}

// Claim takes ownership of the supervisor's own pidfile at startup. A
// pidfile naming a live process means another supervisor instance holds
// the claim and startup must fail; a stale pidfile is silently
// replaced.
func Claim(path string) error {
	if pid, err := Read(path); err == nil && pid != os.Getpid() && IsAlive(pid) {
		return fmt.Errorf("pidfile: %s claimed by live pid %d", path, pid)
	}
	if err := Write(path, os.Getpid()); err != nil {
		return fmt.Errorf("claiming %s: %w", path, err)
	}
	return nil
}

// IsAlive verifies liveness with a null signal (signal 0), which
// reports whether the process exists and is signalable by this user
// without actually delivering a signal.
func IsAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// ExecutableMatches reports whether the process named by pid was
// started from an executable path consistent with wantExec (the
// task's start[0]). Falls back to gopsutil's cross-platform process
// inspection when /proc is unavailable, and is lenient (returns true)
// when the executable path can't be determined at all, since a
// permissions-denied Exe() lookup shouldn't by itself block adopting an
// otherwise-live, correctly-pidfiled process.
func ExecutableMatches(pid int, wantExec string) bool {
	exe, err := executablePath(pid)
	if err != nil || exe == "" {
		return true
	}
	return exe == wantExec || strings.HasSuffix(exe, "/"+trimLeadingDotSlash(wantExec))
}

func trimLeadingDotSlash(path string) string {
	return strings.TrimPrefix(path, "./")
}

func executablePath(pid int) (string, error) {
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return exe, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return proc.Exe()
}
