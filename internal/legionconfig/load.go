package legionconfig

import (
	"os"

	"github.com/google/uuid"
)

// Loaded is the validated result of Load: the projected configuration
// plus the roles active for this read of the roles file. GenerationID
// identifies this particular successful load, surfaced at
// /status/config so an operator can tell whether two nodes (or two
// points in time on the same node) are running the same config.
type Loaded struct {
	Config       *RootConfig
	ActiveRoles  []string
	GenerationID string
}

// Load parses and validates the configuration document at configPath
// against the roles file at rolesPath (rolesPath == "" means no roles
// are active; only tasks that list no roles are in scope). Config loading is
// transactional: on any error the caller's existing
// *Loaded should be retained unmodified. This function itself has no
// retained state, so that policy is enforced by Legion, which only
// swaps in the new *Loaded once Load returns successfully.
func Load(configPath, rolesPath string) (*Loaded, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, configErrorf("reading config file %s: %v", configPath, err)
	}

	raw, err := parseDocument(data)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	cfg := toRootConfig(raw)

	var roles []string
	if rolesPath != "" {
		roles, err = ParseRoles(rolesPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, configErrorf("reading roles file %s: %v", rolesPath, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &Loaded{Config: cfg, ActiveRoles: roles, GenerationID: uuid.NewString()}, nil
}

// ScopedTasks returns the TaskSpecs currently in scope given l's active
// roles — the set Legion uses to decide which tasks get a TaskRuntime.
func (l *Loaded) ScopedTasks() map[string]TaskSpec {
	active := ActiveRoleSet(l.ActiveRoles)
	out := make(map[string]TaskSpec)
	for name, spec := range l.Config.Tasks {
		if spec.InScope(active) {
			out[name] = spec
		}
	}
	return out
}
