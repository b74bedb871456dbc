package selfpipe

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeDeliversSignal(t *testing.T) {
	p, err := New(syscall.SIGUSR1)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	deadline := time.After(2 * time.Second)
	for {
		sigs := p.Drain()
		if len(sigs) > 0 {
			require.True(t, Is(sigs[0], syscall.SIGUSR1))
			return
		}
		select {
		case <-deadline:
			t.Fatal("signal never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDrainIsIdempotentWhenEmpty(t *testing.T) {
	p, err := New(syscall.SIGUSR2)
	require.NoError(t, err)
	defer p.Close()

	require.Empty(t, p.Drain())
}

func TestIsDistinguishesSignals(t *testing.T) {
	require.True(t, Is(syscall.SIGTERM, syscall.SIGTERM))
	require.False(t, Is(syscall.SIGTERM, syscall.SIGHUP))
	require.False(t, Is(os.Interrupt, syscall.SIGTERM))
}
