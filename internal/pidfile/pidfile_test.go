package pidfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadParsesBarePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	require.NoError(t, os.WriteFile(path, []byte("  4242\n"), 0644))

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestIsAliveOnSelf(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveOnExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, IsAlive(cmd.Process.Pid))
}

func TestExecutableMatchesSelf(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	assert.True(t, ExecutableMatches(os.Getpid(), self))
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "task-0.pid")
	require.NoError(t, Write(path, 4242), "Write creates parent directories")

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	Remove(path)
	_, err = Read(path)
	assert.Error(t, err)
}

func TestClaimRejectsLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legiond.pid")

	// PID 1 is always alive and never us.
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0644))
	assert.Error(t, Claim(path))
}

func TestClaimReplacesStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legiond.pid")
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, Write(path, cmd.Process.Pid))

	require.NoError(t, Claim(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
