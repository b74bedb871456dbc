// Package context implements the layered key/value merge and
// tag-substitution engine behind task argv and environment resolution.
// It is unrelated to (and does not import) the standard library's
// context package; "Context" here is the supervisor's merged
// environment.
package context

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Context is the merged key/value mapping used both for substitution
// and as the literal environment handed to a spawned child.
type Context map[string]string

// Clone returns an independent copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Env renders the context as a sorted "KEY=VALUE" slice, suitable for
// exec.Cmd.Env. Sorted for deterministic child environments across
// runs.
func (c Context) Env() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c[k])
	}
	return out
}

// taskKeyPrefix is stripped from the base (inherited) environment so a
// child never inherits the parent's per-slot injections.
const taskKeyPrefix = "Task_"

// BaseFromEnviron snapshots the supervisor's own environment as the
// Context seed, stripping any inherited Task_* keys so a supervisor
// re-exec (Legion reset) never leaks a stale injection into the fresh
// context.
func BaseFromEnviron() Context {
	base := make(Context)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], taskKeyPrefix) {
			continue
		}
		base[parts[0]] = parts[1]
	}
	return base
}

// RoleLayers holds the defaults/defines pair contributed per-role, keyed
// by role name, plus the global (role-independent) pair.
type RoleLayers struct {
	Defaults map[string]string
	Defines  map[string]string
}

// Layers is the full set of inputs to Resolve for either the global
// scope or a single task's scope.
type Layers struct {
	Defaults     map[string]string
	Defines      map[string]string
	RoleDefaults map[string]map[string]string // role -> key -> value
	RoleDefines  map[string]map[string]string
}

// applyDefaults sets ctx[k]=v only where k is absent.
func applyDefaults(ctx Context, m map[string]string) {
	for k, v := range m {
		if _, ok := ctx[k]; !ok {
			ctx[k] = v
		}
	}
}

// applyDefines sets ctx[k]=v unconditionally.
func applyDefines(ctx Context, m map[string]string) {
	for k, v := range m {
		ctx[k] = v
	}
}

// applyRoleDefaults applies per-role defaults for each active role, in
// the order roles are listed in the roles file, making same-layer
// conflicts resolve deterministically to first-listed-wins (the first
// role to set an absent key keeps it, since later roles then see it
// present).
func applyRoleDefaults(ctx Context, byRole map[string]map[string]string, activeRoles []string) {
	for _, role := range activeRoles {
		if m, ok := byRole[role]; ok {
			applyDefaults(ctx, m)
		}
	}
}

// applyRoleDefines applies per-role defines for each active role, in
// order; later roles override earlier ones (last-listed wins), the
// define-layer counterpart of applyRoleDefaults' first-wins.
func applyRoleDefines(ctx Context, byRole map[string]map[string]string, activeRoles []string) {
	for _, role := range activeRoles {
		if m, ok := byRole[role]; ok {
			applyDefines(ctx, m)
		}
	}
}

// Resolve builds the final Context for one process slot from eight
// layers, in order:
//
//  1. base         4. task defaults/role_defaults   7. task defines/role_defines
//  2. global defaults  5. global defines             8. per-slot Task_* injections
//  3. global role_defaults  6. global role_defines
func Resolve(base Context, global, task Layers, activeRoles []string, injections map[string]string) Context {
	ctx := base.Clone()

	applyDefaults(ctx, global.Defaults)
	applyRoleDefaults(ctx, global.RoleDefaults, activeRoles)

	applyDefaults(ctx, task.Defaults)
	applyRoleDefaults(ctx, task.RoleDefaults, activeRoles)

	applyDefines(ctx, global.Defines)
	applyRoleDefines(ctx, global.RoleDefines, activeRoles)

	applyDefines(ctx, task.Defines)
	applyRoleDefines(ctx, task.RoleDefines, activeRoles)

	applyDefines(ctx, injections)

	return ctx
}

var tagPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute performs tag replacement of {identifier} occurrences using
// ctx, recursively until a fixpoint or until a round makes no further
// progress because of a missing key. On a missing tag the partial
// result from the last successful round is retained (never the raw
// unexpanded template) and a warning message describing the missing key
// is returned alongside the best-effort string, preventing cascading
// failure from a single missing key.
func Substitute(tmpl string, ctx Context) (string, []string) {
	var warnings []string
	current := tmpl
	for round := 0; round < maxSubstitutionRounds; round++ {
		next, missing := substituteOnce(current, ctx)
		if len(missing) > 0 {
			for _, k := range missing {
				warnings = append(warnings, fmt.Sprintf("unresolved tag {%s} in %q", k, tmpl))
			}
			return next, warnings
		}
		if next == current {
			return next, warnings
		}
		current = next
	}
	warnings = append(warnings, fmt.Sprintf("substitution of %q did not reach a fixpoint after %d rounds", tmpl, maxSubstitutionRounds))
	return current, warnings
}

// maxSubstitutionRounds bounds recursive substitution; a cycle of tags
// referencing each other (A -> {B}, B -> {A}) would otherwise loop
// forever since neither is "missing."
const maxSubstitutionRounds = 32

// substituteOnce replaces every resolvable {identifier} in s. Any tag
// whose key is absent from ctx is left untouched in the output and its
// name is reported via missing, so the caller can decide whether to
// keep the partial result (matching spec's missing-tag recovery).
func substituteOnce(s string, ctx Context) (result string, missing []string) {
	seen := make(map[string]bool)
	out := tagPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := ctx[key]; ok {
			return v
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return match
	})
	return out, missing
}

// HasUnresolvedTag reports whether s still contains a {tag} after
// substitution, so callers can refuse to run a process whose resolved
// argv or environment is incomplete.
func HasUnresolvedTag(s string) bool {
	return tagPattern.MatchString(s)
}
