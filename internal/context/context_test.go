package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLayering(t *testing.T) {
	base := Context{"PATH": "/usr/bin"}
	global := Layers{
		Defaults: map[string]string{"LOG_LEVEL": "info"},
		Defines:  map[string]string{"ENV": "prod"},
		RoleDefaults: map[string]map[string]string{
			"frontend": {"PORT": "8080"},
		},
		RoleDefines: map[string]map[string]string{
			"frontend": {"ROLE": "frontend"},
		},
	}
	task := Layers{
		Defaults: map[string]string{"LOG_LEVEL": "debug"}, // absent check: LOG_LEVEL already set by global, stays "info"
		Defines:  map[string]string{"TASK_NAME": "ntpd"},
	}
	injections := map[string]string{"Task_name": "ntpd", "Task_instance": "0"}

	ctx := Resolve(base, global, task, []string{"frontend"}, injections)

	assert.Equal(t, "/usr/bin", ctx["PATH"])
	assert.Equal(t, "info", ctx["LOG_LEVEL"], "task defaults must not override an already-set global default")
	assert.Equal(t, "prod", ctx["ENV"])
	assert.Equal(t, "8080", ctx["PORT"])
	assert.Equal(t, "frontend", ctx["ROLE"])
	assert.Equal(t, "ntpd", ctx["TASK_NAME"])
	assert.Equal(t, "ntpd", ctx["Task_name"])
	assert.Equal(t, "0", ctx["Task_instance"])
}

func TestResolveDefinesOverrideDefaults(t *testing.T) {
	base := Context{}
	global := Layers{
		Defaults: map[string]string{"X": "default"},
		Defines:  map[string]string{"X": "define"},
	}
	ctx := Resolve(base, global, Layers{}, nil, nil)
	assert.Equal(t, "define", ctx["X"])
}

func TestSubstituteRecursiveFixpoint(t *testing.T) {
	ctx := Context{"A": "{B}", "B": "value"}
	out, warnings := Substitute("{A}", ctx)
	assert.Equal(t, "value", out)
	assert.Empty(t, warnings)
}

func TestSubstituteMissingTagRetainsPartial(t *testing.T) {
	ctx := Context{"A": "value-{MISSING}"}
	out, warnings := Substitute("prefix-{A}", ctx)
	assert.Equal(t, "prefix-value-{MISSING}", out)
	require.Len(t, warnings, 1)
	assert.True(t, HasUnresolvedTag(out))
}

func TestSubstituteIdempotentOnResolvedString(t *testing.T) {
	ctx := Context{"A": "value"}
	once, _ := Substitute("{A}", ctx)
	twice, warnings := Substitute(once, ctx)
	assert.Equal(t, once, twice)
	assert.Empty(t, warnings)
}

func TestExpandArgvConditionalPresence(t *testing.T) {
	ctx := Context{"VERBOSE": "0"}
	template := []interface{}{
		"ntpd",
		map[string]interface{}{"VERBOSE": "-v"},
		map[string]interface{}{"MISSING_KEY": "-x"},
	}
	argv, _, err := ExpandArgv(template, ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ntpd", "-v"}, argv, "presence-only truthiness: \"0\" still counts as present")
}

func TestExpandArgvNestedConditionalList(t *testing.T) {
	ctx := Context{"DEBUG": "1"}
	template := []interface{}{
		"server",
		map[string]interface{}{
			"DEBUG": []interface{}{"--log-level", "debug"},
		},
	}
	argv, _, err := ExpandArgv(template, ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"server", "--log-level", "debug"}, argv)
}

func TestExpandArgvRejectsMultiKeyConditional(t *testing.T) {
	template := []interface{}{
		map[string]interface{}{"A": "1", "B": "2"},
	}
	_, _, err := ExpandArgv(template, Context{})
	assert.Error(t, err)
}
