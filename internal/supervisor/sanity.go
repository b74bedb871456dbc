package supervisor

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	cctx "github.com/akfullfo/legion/internal/context"
	"github.com/akfullfo/legion/internal/legionconfig"
)

// nopRunner backs dry-run resolution; SanityCheck never spawns.
type nopRunner struct{}

func (nopRunner) Start(string, []string, []string, string, int, int) (int, error) {
	return 0, fmt.Errorf("supervisor: dry run does not spawn")
}
func (nopRunner) Signal(int, syscall.Signal) error { return nil }

type nopWatch struct{}

func (nopWatch) Watch([]string)   {}
func (nopWatch) Unwatch([]string) {}

// SanityCheck resolves identity, a slot-0 context, and the start
// command for every task in scope without spawning anything: the
// --sanity CLI surface. It reports every defect at once, like config
// validation does.
func SanityCheck(loaded *legionconfig.Loaded, log zerolog.Logger) error {
	base := cctx.BaseFromEnviron()
	global := cctx.Layers{
		Defaults:     loaded.Config.Defaults,
		Defines:      loaded.Config.Defines,
		RoleDefaults: loaded.Config.RoleDefaults,
		RoleDefines:  loaded.Config.RoleDefines,
	}

	var problems []string
	for name, spec := range loaded.ScopedTasks() {
		rt, err := NewRuntime(spec, nopRunner{}, nopWatch{}, log)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		rt.UpdateContext(base, global, loaded.ActiveRoles)

		resolved := resolveSlotContext(rt.spec, rt.identity, base, global, rt.taskLayers, loaded.ActiveRoles, 0, 0)
		if _, _, err := expandCommand(rt.spec, "start", resolved); err != nil {
			problems = append(problems, fmt.Sprintf("task %q: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("sanity check failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
