package poller

import (
	"os"
	"testing"
)

func pipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	return os.Pipe()
}
