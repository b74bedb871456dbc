package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerReadablePipe(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := pipe(t)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, p.Register(int(r.Fd()), Readable))
	assert.Equal(t, 1, p.Len())

	events, err := p.Poll(50)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing written yet")

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	events, err = p.Poll(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int(r.Fd()), events[0].Handle)
	assert.NotZero(t, events[0].Events&Readable)

	require.NoError(t, p.Unregister(int(r.Fd())))
	assert.Equal(t, 0, p.Len())
}

func TestPollerZeroTimeoutNonBlocking(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	events, err := p.Poll(0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestPollerClosedRejectsCalls(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Poll(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Register(0, Readable), ErrClosed)
}
