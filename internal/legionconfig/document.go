package legionconfig

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// The on-disk document grammar accepts JSON-with-comments
// or the equivalent indented form. yaml.v3 parses both: YAML is a
// structural superset of JSON, and "# comment" is valid in both forms,
// so a single decoder covers the exhaustive grammar without a second
// JSON code path (see DESIGN.md).

type rawEventAction struct {
	Command string
	Signal  string
}

// UnmarshalYAML accepts the wire form `command:<name>` or
// `signal:<name|number>` as a single scalar string.
func (a *rawEventAction) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("event action must be a string of the form \"command:<name>\" or \"signal:<name>\": %w", err)
	}
	const cmdPrefix = "command:"
	const sigPrefix = "signal:"
	switch {
	case len(s) > len(cmdPrefix) && s[:len(cmdPrefix)] == cmdPrefix:
		a.Command = s[len(cmdPrefix):]
	case len(s) > len(sigPrefix) && s[:len(sigPrefix)] == sigPrefix:
		a.Signal = s[len(sigPrefix):]
	default:
		return fmt.Errorf("event action %q must start with %q or %q", s, cmdPrefix, sigPrefix)
	}
	return nil
}

type rawTaskEvent struct {
	Type   string         `yaml:"type"`
	Path   string         `yaml:"path"`
	Action rawEventAction `yaml:"action"`
}

type rawOnExit struct {
	Type string `yaml:"type"`
	Task string `yaml:"task"`
}

type rawTaskSpec struct {
	Control    string                   `yaml:"control"`
	Count      int                      `yaml:"count"`
	Requires   []string                 `yaml:"requires"`
	StartDelay yamlNumber               `yaml:"start_delay"`
	TimeLimit  *yamlNumber              `yaml:"time_limit"`
	User       string                   `yaml:"user"`
	Group      string                   `yaml:"group"`
	Cwd        string                   `yaml:"cwd"`
	Procname   string                   `yaml:"procname"`
	Pidfile    string                   `yaml:"pidfile"`
	Commands   map[string][]interface{} `yaml:"commands"`
	Events     []rawTaskEvent           `yaml:"events"`
	OnExit     []rawOnExit              `yaml:"onexit"`
	Roles      []string                 `yaml:"roles"`

	Defaults     map[string]string            `yaml:"defaults"`
	Defines      map[string]string            `yaml:"defines"`
	RoleDefaults map[string]map[string]string `yaml:"role_defaults"`
	RoleDefines  map[string]map[string]string `yaml:"role_defines"`
}

type rawHTTPListener struct {
	Listen       string `yaml:"listen"`
	Certfile     string `yaml:"certfile"`
	AllowControl bool   `yaml:"allow_control"`
}

type rawSettings struct {
	HTTP []rawHTTPListener `yaml:"http"`
}

type rawRootConfig struct {
	Defaults     map[string]string            `yaml:"defaults"`
	Defines      map[string]string            `yaml:"defines"`
	RoleDefaults map[string]map[string]string `yaml:"role_defaults"`
	RoleDefines  map[string]map[string]string `yaml:"role_defines"`
	Settings     rawSettings                  `yaml:"settings"`
	Tasks        map[string]rawTaskSpec       `yaml:"tasks"`
}

// yamlNumber decodes either a bare number or a numeric string into a
// float64, since hand-edited indented-form configs commonly quote
// numbers ("start_delay: \"5\"") out of habit.
type yamlNumber float64

func (n *yamlNumber) UnmarshalYAML(node *yaml.Node) error {
	var f float64
	if err := node.Decode(&f); err == nil {
		*n = yamlNumber(f)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("expected a number, got %q", node.Value)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %q: %w", s, err)
	}
	*n = yamlNumber(f)
	return nil
}

func parseDocument(data []byte) (*rawRootConfig, error) {
	var raw rawRootConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing configuration document: %w", err)
	}
	return &raw, nil
}

func toRootConfig(raw *rawRootConfig) *RootConfig {
	cfg := &RootConfig{
		Defaults:     raw.Defaults,
		Defines:      raw.Defines,
		RoleDefaults: raw.RoleDefaults,
		RoleDefines:  raw.RoleDefines,
		Tasks:        make(map[string]TaskSpec, len(raw.Tasks)),
	}
	for _, h := range raw.Settings.HTTP {
		cfg.HTTP = append(cfg.HTTP, HTTPListener{
			Listen:       h.Listen,
			Certfile:     h.Certfile,
			AllowControl: h.AllowControl,
		})
	}
	for name, rt := range raw.Tasks {
		cfg.Tasks[name] = toTaskSpec(name, rt)
	}
	return cfg
}

func toTaskSpec(name string, rt rawTaskSpec) TaskSpec {
	spec := TaskSpec{
		Name:         name,
		Control:      Control(rt.Control),
		Count:        rt.Count,
		Requires:     rt.Requires,
		StartDelay:   float64(rt.StartDelay),
		User:         rt.User,
		Group:        rt.Group,
		Cwd:          rt.Cwd,
		Procname:     rt.Procname,
		Pidfile:      rt.Pidfile,
		Commands:     rt.Commands,
		Defaults:     rt.Defaults,
		Defines:      rt.Defines,
		RoleDefaults: rt.RoleDefaults,
		RoleDefines:  rt.RoleDefines,
	}
	if rt.TimeLimit != nil {
		v := float64(*rt.TimeLimit)
		spec.TimeLimit = &v
	}
	if len(rt.Roles) > 0 {
		spec.Roles = make(map[string]bool, len(rt.Roles))
		for _, r := range rt.Roles {
			spec.Roles[r] = true
		}
	}
	for _, re := range rt.Events {
		spec.Events = append(spec.Events, TaskEvent{
			Type: re.Type,
			Path: re.Path,
			Action: EventAction{
				Command: re.Action.Command,
				Signal:  re.Action.Signal,
			},
		})
	}
	for _, ro := range rt.OnExit {
		spec.OnExit = append(spec.OnExit, OnExit{Type: ro.Type, Task: ro.Task})
	}
	return spec
}
