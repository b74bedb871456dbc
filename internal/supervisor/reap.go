package supervisor

import "golang.org/x/sys/unix"

// Reap drains every currently-reapable child via a non-blocking wait4
// loop, returning each pid's outcome. Legion calls this once per
// SIGCHLD self-pipe wakeup and dispatches the results to slots by pid,
// so no TaskRuntime ever calls wait itself.
func Reap() map[int]ExitResult {
	results := make(map[int]ExitResult)
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return results
		}
		res := ExitResult{ExitCode: ws.ExitStatus()}
		if ws.Signaled() {
			res.Signaled = true
			res.Signal = ws.Signal()
		}
		results[pid] = res
	}
}
