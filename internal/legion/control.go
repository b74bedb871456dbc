package legion

import (
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/akfullfo/legion/internal/controlplane"
	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/supervisor"
)

// Legion implements controlplane.Controller. Every method below runs on
// the event loop (the control plane serves each request inline), so no
// locking is involved.

func (lg *Legion) Version() string { return lg.opts.Version }

func (lg *Legion) TaskStatuses() []supervisor.Status {
	names := make([]string, 0, len(lg.runtimes))
	for name := range lg.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]supervisor.Status, 0, len(names))
	for _, name := range names {
		out = append(out, lg.runtimes[name].StatusSnapshot())
	}
	return out
}

func (lg *Legion) ConfigStatus() controlplane.ConfigStatus {
	st := controlplane.ConfigStatus{
		ConfigFile: lg.opts.ConfigPath,
		RolesFile:  lg.opts.RolesPath,
	}
	if lg.loaded != nil {
		st.GenerationID = lg.loaded.GenerationID
		st.Roles = lg.loaded.ActiveRoles
	}
	for name := range lg.runtimes {
		st.Tasks = append(st.Tasks, name)
	}
	sort.Strings(st.Tasks)
	return st
}

func (lg *Legion) TaskCount(task string) (int, error) {
	rt, ok := lg.runtimes[task]
	if !ok {
		return 0, fmt.Errorf("unknown task %q", task)
	}
	return rt.StatusSnapshot().Count, nil
}

func (lg *Legion) SetTaskCount(task string, count int) error {
	rt, ok := lg.runtimes[task]
	if !ok {
		return fmt.Errorf("unknown task %q", task)
	}
	if count < 1 {
		return fmt.Errorf("count must be >= 1, got %d", count)
	}
	lg.log.Info().Str("task", task).Int("count", count).Msg("operator changed count")
	rt.SetCount(count)
	return nil
}

func (lg *Legion) SetTaskControl(task string, control string) error {
	rt, ok := lg.runtimes[task]
	if !ok {
		return fmt.Errorf("unknown task %q", task)
	}
	c := legionconfig.Control(control)
	switch c {
	case legionconfig.ControlWait, legionconfig.ControlOnce, legionconfig.ControlEvent:
	case legionconfig.ControlNowait, legionconfig.ControlAdopt:
		return fmt.Errorf("control %q is reserved and not implemented", control)
	default:
		return fmt.Errorf("invalid control %q", control)
	}
	lg.log.Info().Str("task", task).Str("control", control).Msg("operator changed control")
	rt.SetControl(c)
	return nil
}

func (lg *Legion) ScheduleReload() { lg.pendingReload = true }
func (lg *Legion) ScheduleReset()  { lg.pendingReset = true }
func (lg *Legion) ScheduleStop()   { lg.pendingStop = true }

// beginShutdown starts the dependency-ordered stop sequence. A stop
// request supersedes a reset already in progress; a reset request while
// stopping is ignored.
func (lg *Legion) beginShutdown(mode shutdownMode) {
	if !lg.shuttingDown {
		lg.shuttingDown = true
		lg.shutdownTo = mode
		return
	}
	if mode == shutdownStop {
		lg.shutdownTo = shutdownStop
	}
}

// advanceShutdown issues stops in reverse dependency order: a task is
// stopped only once every task requiring it has been issued its own
// stop and has no live process, so a prerequisite never dies before its
// dependents.
func (lg *Legion) advanceShutdown() {
	for _, name := range lg.taskNames() {
		if lg.stopIssued[name] {
			continue
		}
		if !lg.dependentsQuiet(name) {
			continue
		}
		lg.stopIssued[name] = true
		if rt := lg.lookup(name); rt != nil {
			rt.RequestStopPreservingAdopted()
		}
	}
}

func (lg *Legion) dependentsQuiet(name string) bool {
	for _, other := range lg.taskNames() {
		rt := lg.lookup(other)
		if rt == nil {
			continue
		}
		for _, req := range rt.Spec().Requires {
			if req != name {
				continue
			}
			if !lg.stopIssued[other] || rt.AnyAlive() {
				return false
			}
		}
	}
	return true
}

func (lg *Legion) shutdownQuiesced() bool {
	for _, name := range lg.taskNames() {
		if !lg.stopIssued[name] {
			return false
		}
		if rt := lg.lookup(name); rt != nil && !rt.AllSlotsQuiesced() {
			return false
		}
	}
	return true
}

// finishShutdown either returns (stop) or replaces the process image
// with a fresh supervisor carrying the original argv and environment
// (reset).
func (lg *Legion) finishShutdown() error {
	if lg.shutdownTo != shutdownReset {
		lg.log.Info().Msg("legion stopped")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("legion: resolving own executable for reset: %w", err)
	}
	lg.log.Info().Str("exe", exe).Msg("re-executing supervisor")
	lg.close()
	if err := syscall.Exec(exe, lg.origArgv, lg.origEnv); err != nil {
		return fmt.Errorf("legion: re-exec failed: %w", err)
	}
	return nil
}
