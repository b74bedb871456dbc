package legion

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfullfo/legion/internal/watcher"
)

func newTestWatchSet(t *testing.T) *WatchSet {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	fw, err := watcher.New(&log)
	require.NoError(t, err)
	t.Cleanup(func() { fw.Close() })
	return NewWatchSet(fw)
}

func TestWatchSetRefcounting(t *testing.T) {
	ws := newTestWatchSet(t)

	ws.Acquire("ntpd", "/etc/ntp.conf")
	ws.Acquire("chrony", "/etc/ntp.conf")
	assert.Equal(t, []string{"/etc/ntp.conf"}, ws.Paths())
	assert.Equal(t, []string{"chrony", "ntpd"}, ws.SubscribersOf("/etc/ntp.conf"))

	// One release keeps the watch alive for the other subscriber.
	ws.Release("ntpd", "/etc/ntp.conf")
	assert.Equal(t, []string{"/etc/ntp.conf"}, ws.Paths())
	assert.Equal(t, []string{"chrony"}, ws.SubscribersOf("/etc/ntp.conf"))

	ws.Release("chrony", "/etc/ntp.conf")
	assert.Empty(t, ws.Paths())
	assert.Empty(t, ws.SubscribersOf("/etc/ntp.conf"))
}

func TestWatchSetReleaseUnknownPathIsNoop(t *testing.T) {
	ws := newTestWatchSet(t)
	ws.Release("ghost", "/nonexistent")
	assert.Empty(t, ws.Paths())
}

func TestWatchSetTaskViewAcquiresPerTask(t *testing.T) {
	ws := newTestWatchSet(t)
	view := ws.ForTask("sshd")

	view.Watch([]string{"/etc/ssh/sshd_config", "/etc/ssh/banner"})
	assert.Len(t, ws.Paths(), 2)
	assert.Equal(t, []string{"sshd"}, ws.SubscribersOf("/etc/ssh/sshd_config"))

	view.Unwatch([]string{"/etc/ssh/sshd_config", "/etc/ssh/banner"})
	assert.Empty(t, ws.Paths())
}

func TestWatchSetDoubleAcquireSameTask(t *testing.T) {
	ws := newTestWatchSet(t)

	// A task acquiring the same path twice (literal event plus module
	// closure overlap) must release twice before the watch drops.
	ws.Acquire("app", "/srv/app/config.py")
	ws.Acquire("app", "/srv/app/config.py")
	ws.Release("app", "/srv/app/config.py")
	assert.Equal(t, []string{"/srv/app/config.py"}, ws.Paths())

	ws.Release("app", "/srv/app/config.py")
	assert.Empty(t, ws.Paths())
}
