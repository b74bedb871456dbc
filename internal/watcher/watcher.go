// Package watcher tracks a dynamic set of paths and delivers
// de-duplicated, optionally-aggregated change notifications through a
// single readable handle suitable for registration with
// internal/poller.
//
// Two back-ends exist, selected once at construction: Native wraps
// fsnotify; Polling stats each path on a caller-driven cadence when
// fsnotify is unavailable or a watch degrades under resource
// exhaustion.
package watcher

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Mode reports which back-end a FileWatcher selected.
type Mode int

const (
	Native Mode = iota
	Polling
)

func (m Mode) String() string {
	if m == Native {
		return "native"
	}
	return "polling"
}

// Aggregation collapses a burst of changes into a single wakeup. After
// the first change, delivery is withheld until Timeout elapses with no
// further changes, or Limit distinct paths have accumulated, whichever
// comes first. A zero value disables aggregation (every change wakes
// the reader immediately).
type Aggregation struct {
	Timeout time.Duration
	Limit   int
}

// statTuple is the device/inode/mtime/size/mode tuple polling mode
// compares across sweeps; any field changing is reported once.
type statTuple struct {
	dev, ino   uint64
	mtime      time.Time
	size       int64
	mode       os.FileMode
	exists     bool
}

type watchEntry struct {
	missingOK bool
	lastStat  statTuple
	native    bool // currently has a live fsnotify watch
}

// FileWatcher watches paths through whichever back-end construction
// selected.
type FileWatcher struct {
	log         *zerolog.Logger
	mode        Mode
	fsw         *fsnotify.Watcher // nil in Polling mode
	aggregation Aggregation

	mu      sync.Mutex
	entries map[string]*watchEntry
	changed map[string]struct{}

	wakeR, wakeW *os.File

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceArmed bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a FileWatcher, preferring the native fsnotify back-end
// and falling back to polling mode if fsnotify can't be initialized —
// the per-path degradation policy extended to the whole watcher when
// even the initial kernel resource isn't available.
func New(log *zerolog.Logger) (*FileWatcher, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating wake pipe: %w", err)
	}

	fw := &FileWatcher{
		log:     log,
		entries: make(map[string]*watchEntry),
		changed: make(map[string]struct{}),
		wakeR:   r,
		wakeW:   w,
		doneCh:  make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling mode")
		fw.mode = Polling
		return fw, nil
	}
	fw.mode = Native
	fw.fsw = fsw
	go fw.nativeLoop()
	return fw, nil
}

// SetAggregation configures burst collapsing; see Aggregation's doc.
func (fw *FileWatcher) SetAggregation(a Aggregation) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.aggregation = a
}

// Mode reports the active back-end.
func (fw *FileWatcher) Mode() Mode { return fw.mode }

// Handle returns the single readable file descriptor to register with
// the Poller. It becomes readable whenever drainable changes exist.
func (fw *FileWatcher) Handle() int { return int(fw.wakeR.Fd()) }

// Add begins watching each path. missingOK permits tracking paths that
// do not yet exist; a created event is reported once they appear.
func (fw *FileWatcher) Add(paths []string, missingOK bool) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		entry := &watchEntry{missingOK: missingOK}
		entry.lastStat = statPath(p)
		if !entry.lastStat.exists && !missingOK {
			if firstErr == nil {
				firstErr = fmt.Errorf("watcher: %s does not exist", p)
			}
			continue
		}
		if fw.mode == Native {
			if err := fw.fsw.Add(p); err != nil {
				fw.log.Warn().Err(err).Str("path", p).Msg("failed to register native watch, degrading to polling for this path")
			} else {
				entry.native = true
			}
		}
		fw.entries[p] = entry
	}
	return firstErr
}

// Remove stops watching the given paths.
func (fw *FileWatcher) Remove(paths []string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	var firstErr error
	for _, p := range paths {
		entry, ok := fw.entries[p]
		if !ok {
			continue
		}
		if entry.native && fw.fsw != nil {
			if err := fw.fsw.Remove(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(fw.entries, p)
		delete(fw.changed, p)
	}
	return firstErr
}

// Scan forces a polling sweep over every tracked path: compares the
// current device/inode/mtime/size/mode tuple to the last observed one
// and records a change on any difference, including appearance of a
// previously-missing path and disappearance of a present one. In Native
// mode this additionally recovers paths whose kernel watch was lost.
func (fw *FileWatcher) Scan() {
	fw.mu.Lock()
	var anyChange bool
	for p, entry := range fw.entries {
		cur := statPath(p)
		if statChanged(entry.lastStat, cur) {
			fw.changed[p] = struct{}{}
			anyChange = true
			entry.lastStat = cur
			if fw.mode == Native && cur.exists && !entry.native && fw.fsw != nil {
				if err := fw.fsw.Add(p); err == nil {
					entry.native = true
				}
			}
		}
	}
	fw.mu.Unlock()
	if anyChange {
		fw.noteChange()
	}
}

// Drain consumes and returns the de-duplicated set of paths with
// changes since the previous call.
func (fw *FileWatcher) Drain() map[string]struct{} {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out := fw.changed
	fw.changed = make(map[string]struct{})
	fw.drainWakeLocked()
	return out
}

// drainWakeLocked empties the wake pipe so the Poller stops reporting
// this handle readable once all changes have been consumed. Drain calls
// it while holding fw.mu; the pipe itself does not depend on that lock.
// The read end is switched to non-blocking, so an empty pipe returns
// at once.
func (fw *FileWatcher) drainWakeLocked() {
	var buf [256]byte
	fd := int(fw.wakeR.Fd())
	_ = syscall.SetNonblock(fd, true)
	for {
		n, err := syscall.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the underlying watch resources.
func (fw *FileWatcher) Close() error {
	var err error
	fw.closeOnce.Do(func() {
		close(fw.doneCh)
		if fw.fsw != nil {
			err = fw.fsw.Close()
		}
		_ = fw.wakeW.Close()
		_ = fw.wakeR.Close()
	})
	return err
}

// nativeLoop drains fsnotify's channels for the lifetime of the
// watcher, depositing into the internal change set rather than calling
// a notifier directly, since delivery is Poller-driven.
func (fw *FileWatcher) nativeLoop() {
	for {
		select {
		case <-fw.doneCh:
			return
		case event, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			fw.handleNativeEvent(event)
		case err, ok := <-fw.fsw.Errors:
			if !ok {
				return
			}
			fw.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (fw *FileWatcher) handleNativeEvent(event fsnotify.Event) {
	fw.mu.Lock()
	entry, tracked := fw.entries[event.Name]
	if tracked {
		fw.changed[event.Name] = struct{}{}
		entry.lastStat = statPath(event.Name)
	}
	fw.mu.Unlock()

	if !tracked {
		return
	}

	// A rename or remove invalidates the kernel watch on this path;
	// attempt to re-establish it on the replacement inode. If the
	// replacement isn't present yet, the path falls back
	// to the pending-appearance set (picked up again by Scan()).
	if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
		fw.mu.Lock()
		entry.native = false
		if _, err := os.Stat(event.Name); err == nil {
			if addErr := fw.fsw.Add(event.Name); addErr == nil {
				entry.native = true
			}
		}
		fw.mu.Unlock()
	}

	fw.noteChange()
}

// noteChange applies the Aggregation policy: the first change in a
// burst arms a debounce timer; the wake pipe is only written once the
// timer fires with no intervening changes, or once Limit distinct
// paths have accumulated.
func (fw *FileWatcher) noteChange() {
	fw.mu.Lock()
	agg := fw.aggregation
	count := len(fw.changed)
	fw.mu.Unlock()

	if agg.Timeout <= 0 && agg.Limit <= 0 {
		fw.wake()
		return
	}

	if agg.Limit > 0 && count >= agg.Limit {
		fw.debounceMu.Lock()
		if fw.debounceTimer != nil {
			fw.debounceTimer.Stop()
		}
		fw.debounceArmed = false
		fw.debounceMu.Unlock()
		fw.wake()
		return
	}

	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceArmed = true
	fw.debounceTimer = time.AfterFunc(agg.Timeout, func() {
		fw.debounceMu.Lock()
		fw.debounceArmed = false
		fw.debounceMu.Unlock()
		fw.wake()
	})
}

func (fw *FileWatcher) wake() {
	select {
	case <-fw.doneCh:
		return
	default:
	}
	_, _ = fw.wakeW.Write([]byte{0})
}

func statPath(path string) statTuple {
	info, err := os.Lstat(path)
	if err != nil {
		return statTuple{exists: false}
	}
	t := statTuple{
		exists: true,
		mtime:  info.ModTime(),
		size:   info.Size(),
		mode:   info.Mode(),
	}
	fillPlatformStat(&t, info)
	return t
}

func statChanged(a, b statTuple) bool {
	if a.exists != b.exists {
		return true
	}
	if !a.exists {
		return false
	}
	return a.dev != b.dev || a.ino != b.ino || !a.mtime.Equal(b.mtime) || a.size != b.size || a.mode != b.mode
}
