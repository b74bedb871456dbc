package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// waitReadable polls the watcher's internal change set until it is
// non-empty or timeout elapses. Tests are in-package so they can check
// this directly rather than racing on the wake pipe's byte content.
func waitReadable(t *testing.T, fw *FileWatcher, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		fw.mu.Lock()
		n := len(fw.changed)
		fw.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("change never observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFileWatcherDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))

	fw, err := New(testLogger())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Add([]string{path}, false))

	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))

	if fw.Mode() == Polling {
		fw.Scan()
	} else {
		waitReadable(t, fw, 2*time.Second)
	}

	changed := fw.Drain()
	assert.Contains(t, changed, path)
}

func TestFileWatcherMissingOKReportsCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-yet.txt")

	fw, err := New(testLogger())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Add([]string{path}, true))

	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))
	fw.Scan()

	changed := fw.Drain()
	assert.Contains(t, changed, path)
}

func TestFileWatcherAggregationCollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(pathA, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(pathB, []byte("b"), 0644))

	fw, err := New(testLogger())
	require.NoError(t, err)
	defer fw.Close()
	fw.SetAggregation(Aggregation{Timeout: 100 * time.Millisecond, Limit: 10})

	require.NoError(t, fw.Add([]string{pathA, pathB}, false))

	require.NoError(t, os.WriteFile(pathA, []byte("aa"), 0644))
	require.NoError(t, os.WriteFile(pathB, []byte("bb"), 0644))

	if fw.Mode() == Polling {
		fw.Scan()
	}
	time.Sleep(300 * time.Millisecond)

	changed := fw.Drain()
	assert.LessOrEqual(t, len(changed), 2)
}

func TestFileWatcherRemoveStopsTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	fw, err := New(testLogger())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Add([]string{path}, false))
	require.NoError(t, fw.Remove([]string{path}))

	require.NoError(t, os.WriteFile(path, []byte("y"), 0644))
	fw.Scan()

	changed := fw.Drain()
	assert.NotContains(t, changed, path)
}
