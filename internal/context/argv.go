package context

import "fmt"

// ExpandArgv resolves a command template — a list of strings and
// conditional single-entry mappings — into the final argv, including
// conditional list expansion. Warnings collected during
// tag substitution are returned alongside the result; a non-nil error
// means the template itself is malformed (e.g. a conditional mapping
// with more than one key), which ConfigLoader should have rejected
// already but ContextResolver re-checks defensively since templates
// can also arrive from a hot-reloaded config.
func ExpandArgv(template []interface{}, ctx Context) ([]string, []string, error) {
	var argv []string
	var warnings []string
	for _, el := range template {
		expanded, w, err := expandElement(el, ctx)
		if err != nil {
			return nil, nil, err
		}
		argv = append(argv, expanded...)
		warnings = append(warnings, w...)
	}
	return argv, warnings, nil
}

// expandElement resolves one argv template element: a scalar string, a
// nested list, or a single-entry {KEY: V} conditional.
func expandElement(el interface{}, ctx Context) ([]string, []string, error) {
	switch v := el.(type) {
	case string:
		s, warnings := Substitute(v, ctx)
		return []string{s}, warnings, nil

	case []interface{}:
		return ExpandArgv(v, ctx)

	case map[string]interface{}:
		if len(v) != 1 {
			return nil, nil, fmt.Errorf("conditional argv entry must have exactly one key, got %d", len(v))
		}
		for key, val := range v {
			// Truthiness is presence-only: "false"/"0" still splice
			// V in.
			if _, present := ctx[key]; !present {
				return nil, nil, nil
			}
			return expandElement(val, ctx)
		}
		// unreachable: len(v) == 1 guarantees one iteration above
		return nil, nil, nil

	case nil:
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported argv template element of type %T", el)
	}
}
