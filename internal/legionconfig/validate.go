package legionconfig

import (
	"fmt"
	"sort"
	"strings"

	"github.com/akfullfo/legion/internal/modwatch"
)

// dfsColor marks nodes in the requires-cycle DFS below.
type dfsColor int

const (
	white dfsColor = iota
	gray
	black
)

// validate performs the structural and semantic checks:
// required keys, value types, the control enum, requires references and
// DAG-ness, `events` of kind python restricted to analyzable start
// scripts, `onexit start` only targeting once tasks, and count >= 1.
// All defects found are reported together in a single ConfigError so a
// config author sees every problem in one pass rather than fixing them
// one reload at a time.
func validate(cfg *RootConfig) error {
	var problems []string

	names := make(map[string]bool, len(cfg.Tasks))
	for name := range cfg.Tasks {
		names[name] = true
	}

	sorted := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		spec := cfg.Tasks[name]
		problems = append(problems, validateTask(name, spec, names)...)
	}

	if cycle := findRequiresCycle(cfg.Tasks); cycle != "" {
		problems = append(problems, fmt.Sprintf("requires graph has a cycle: %s", cycle))
	}

	problems = append(problems, validateOnExitControls(cfg.Tasks)...)

	if len(problems) > 0 {
		return configErrorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateTask(name string, spec TaskSpec, allNames map[string]bool) []string {
	var problems []string

	switch spec.Control {
	case ControlWait, ControlOnce, ControlEvent:
		// implemented controls
	case ControlNowait, ControlAdopt:
		// Reserved controls are rejected at validation rather than
		// silently accepted as a no-op task.
		problems = append(problems, fmt.Sprintf("task %q: control %q is reserved and not implemented", name, spec.Control))
	default:
		problems = append(problems, fmt.Sprintf("task %q: invalid control %q", name, spec.Control))
	}

	if spec.Count < 1 {
		problems = append(problems, fmt.Sprintf("task %q: count must be >= 1, got %d", name, spec.Count))
	}

	for _, r := range spec.Requires {
		if !allNames[r] {
			problems = append(problems, fmt.Sprintf("task %q: requires unknown task %q", name, r))
		}
	}

	for i, ev := range spec.Events {
		if ev.Action.Command == "" && ev.Action.Signal == "" {
			problems = append(problems, fmt.Sprintf("task %q: events[%d] has neither a command nor a signal action", name, i))
		}
		if ev.Type == "python" {
			start, ok := FirstCommandString(spec, "start")
			if !ok {
				problems = append(problems, fmt.Sprintf("task %q: events[%d] type python requires a literal start[0] script path", name, i))
				continue
			}
			if err := modwatch.CanAnalyze(start); err != nil {
				problems = append(problems, fmt.Sprintf("task %q: events[%d] type python: %s", name, i, err))
			}
		}
	}

	for i, oe := range spec.OnExit {
		if oe.Type != "start" {
			problems = append(problems, fmt.Sprintf("task %q: onexit[%d] has unknown type %q", name, i, oe.Type))
			continue
		}
		if !allNames[oe.Task] {
			problems = append(problems, fmt.Sprintf("task %q: onexit[%d] targets unknown task %q", name, i, oe.Task))
		}
	}

	return problems
}

// FirstCommandString returns spec.Commands[cmd][0] if it is a literal
// string. Used both for the static python-script-path check at
// config-load time and by the supervisor to seed a ModuleWatcher from a
// task's start command.
func FirstCommandString(spec TaskSpec, cmd string) (string, bool) {
	argv, ok := spec.Commands[cmd]
	if !ok || len(argv) == 0 {
		return "", false
	}
	s, ok := argv[0].(string)
	return s, ok
}

// findRequiresCycle runs a DFS over the requires graph and returns a
// human-readable description of the first cycle found, or "" if the
// graph is a DAG; a cycle rejects the config.
func findRequiresCycle(tasks map[string]TaskSpec) string {
	colors := make(map[string]dfsColor, len(tasks))
	var path []string

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(string) string
	visit = func(name string) string {
		switch colors[name] {
		case black:
			return ""
		case gray:
			return strings.Join(append(append([]string{}, path...), name), " -> ")
		}
		colors[name] = gray
		path = append(path, name)
		spec, ok := tasks[name]
		if ok {
			for _, dep := range spec.Requires {
				if cycle := visit(dep); cycle != "" {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colors[name] = black
		return ""
	}

	for _, name := range names {
		if colors[name] == white {
			if cycle := visit(name); cycle != "" {
				return cycle
			}
		}
	}
	return ""
}

// validateOnExitControls enforces onexit start entries targeting only
// once tasks, split out from validateTask because it
// needs the full task table to resolve the target's control, not just
// its name.
func validateOnExitControls(tasks map[string]TaskSpec) []string {
	var problems []string
	sorted := make([]string, 0, len(tasks))
	for name := range tasks {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		spec := tasks[name]
		for i, oe := range spec.OnExit {
			if oe.Type != "start" {
				continue
			}
			target, ok := tasks[oe.Task]
			if !ok {
				continue // already reported by validateTask
			}
			if target.Control != ControlOnce {
				problems = append(problems, fmt.Sprintf("task %q: onexit[%d] start targets %q, which is not a once task", name, i, oe.Task))
			}
		}
	}
	return problems
}
