package legion

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfullfo/legion/internal/legionconfig"
)

func newTestLegion(t *testing.T) *Legion {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	lg, err := New(Options{
		ConfigPath: "/nonexistent/legion.conf",
		Version:    "test",
		Log:        &log,
	})
	require.NoError(t, err)
	t.Cleanup(lg.close)
	return lg
}

func waitTask(name string, roles ...string) legionconfig.TaskSpec {
	spec := legionconfig.TaskSpec{
		Name:    name,
		Control: legionconfig.ControlWait,
		Count:   1,
		Commands: map[string][]interface{}{
			"start": {"/bin/" + name},
		},
	}
	if len(roles) > 0 {
		spec.Roles = make(map[string]bool, len(roles))
		for _, r := range roles {
			spec.Roles[r] = true
		}
	}
	return spec
}

func loadedWith(roles []string, specs ...legionconfig.TaskSpec) *legionconfig.Loaded {
	cfg := &legionconfig.RootConfig{Tasks: make(map[string]legionconfig.TaskSpec)}
	for _, s := range specs {
		cfg.Tasks[s.Name] = s
	}
	return &legionconfig.Loaded{Config: cfg, ActiveRoles: roles, GenerationID: "test-gen"}
}

func TestApplyLoadedCreatesRuntimes(t *testing.T) {
	lg := newTestLegion(t)
	lg.applyLoaded(loadedWith(nil, waitTask("sshd"), waitTask("ntpd")), time.Now())

	require.Len(t, lg.runtimes, 2)
	assert.Contains(t, lg.runtimes, "sshd")
	assert.Contains(t, lg.runtimes, "ntpd")
}

func TestApplyLoadedRemovalDrainsRuntime(t *testing.T) {
	lg := newTestLegion(t)
	now := time.Now()
	lg.applyLoaded(loadedWith(nil, waitTask("sshd"), waitTask("ntpd")), now)

	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), now)
	assert.Len(t, lg.runtimes, 1)
	require.Contains(t, lg.removing, "ntpd")

	// Slots never spawned, so one reconcile pass retires them and the
	// drained runtime is dropped.
	lg.reconcileAll(now)
	assert.Empty(t, lg.removing)
}

func TestApplyLoadedUnchangedSpecKeepsRuntime(t *testing.T) {
	lg := newTestLegion(t)
	now := time.Now()
	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), now)
	before := lg.runtimes["sshd"]

	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), now)
	assert.Same(t, before, lg.runtimes["sshd"], "reloading an unchanged config must not rebuild the runtime")
}

func TestApplyLoadedReaddedTaskRevivesDrainingRuntime(t *testing.T) {
	lg := newTestLegion(t)
	now := time.Now()
	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), now)
	original := lg.runtimes["sshd"]

	lg.applyLoaded(loadedWith(nil), now)
	require.Contains(t, lg.removing, "sshd")

	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), now)
	assert.Empty(t, lg.removing)
	assert.Same(t, original, lg.runtimes["sshd"])
}

func TestRoleChangeSwapsScope(t *testing.T) {
	lg := newTestLegion(t)
	now := time.Now()

	haproxy := waitTask("haproxy", "frontend")
	db := waitTask("db_server", "backend")

	lg.applyLoaded(loadedWith([]string{"frontend"}, haproxy, db), now)
	assert.Contains(t, lg.runtimes, "haproxy")
	assert.NotContains(t, lg.runtimes, "db_server")

	lg.applyLoaded(loadedWith([]string{"backend"}, haproxy, db), now)
	assert.NotContains(t, lg.runtimes, "haproxy")
	assert.Contains(t, lg.runtimes, "db_server")
	assert.Contains(t, lg.removing, "haproxy")
}

func TestSatisfiedUnknownTask(t *testing.T) {
	lg := newTestLegion(t)
	assert.False(t, lg.Satisfied("ghost"))
}

func TestSetTaskCountValidation(t *testing.T) {
	lg := newTestLegion(t)
	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), time.Now())

	assert.Error(t, lg.SetTaskCount("ghost", 2))
	assert.Error(t, lg.SetTaskCount("sshd", 0))
	require.NoError(t, lg.SetTaskCount("sshd", 3))

	n, err := lg.TaskCount("sshd")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSetTaskControlRejectsReserved(t *testing.T) {
	lg := newTestLegion(t)
	lg.applyLoaded(loadedWith(nil, waitTask("sshd")), time.Now())

	assert.Error(t, lg.SetTaskControl("sshd", "nowait"))
	assert.Error(t, lg.SetTaskControl("sshd", "adopt"))
	assert.Error(t, lg.SetTaskControl("sshd", "bogus"))
	assert.NoError(t, lg.SetTaskControl("sshd", "once"))
}

func TestConfigStatusListsScopedTasks(t *testing.T) {
	lg := newTestLegion(t)
	lg.applyLoaded(loadedWith([]string{"frontend"}, waitTask("b"), waitTask("a")), time.Now())

	st := lg.ConfigStatus()
	assert.Equal(t, "test-gen", st.GenerationID)
	assert.Equal(t, []string{"frontend"}, st.Roles)
	assert.Equal(t, []string{"a", "b"}, st.Tasks)
}

func TestScheduleVerbsSetDeferredFlags(t *testing.T) {
	lg := newTestLegion(t)
	lg.ScheduleReload()
	lg.ScheduleReset()
	lg.ScheduleStop()
	assert.True(t, lg.pendingReload)
	assert.True(t, lg.pendingReset)
	assert.True(t, lg.pendingStop)
}

func TestShutdownStopsDependentsBeforeRequirements(t *testing.T) {
	lg := newTestLegion(t)
	now := time.Now()

	sshd := waitTask("sshd")
	ntpd := waitTask("ntpd")
	ntpd.Requires = []string{"sshd"}
	lg.applyLoaded(loadedWith(nil, sshd, ntpd), now)

	lg.beginShutdown(shutdownStop)
	lg.advanceShutdown()

	// ntpd has no dependents, so its stop is issued immediately; sshd
	// must wait until ntpd has been issued its stop and has no live
	// process. Neither ever spawned here, so the second pass releases
	// sshd too.
	assert.True(t, lg.stopIssued["ntpd"])
	assert.True(t, lg.stopIssued["sshd"], "ntpd never spawned, so sshd is released in the same sweep")

	lg.reconcileAll(now)
	assert.True(t, lg.shutdownQuiesced())
}
