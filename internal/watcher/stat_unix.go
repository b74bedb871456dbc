//go:build unix

package watcher

import (
	"os"
	"syscall"
)

func fillPlatformStat(t *statTuple, info os.FileInfo) {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		t.dev = uint64(sys.Dev)
		t.ino = uint64(sys.Ino)
	}
}
