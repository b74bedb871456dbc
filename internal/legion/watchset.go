package legion

import (
	"sort"

	"github.com/akfullfo/legion/internal/watcher"
)

// WatchSet is the refcounted path registry: adding a path already
// watched increments the refcount, removal decrements, and a zero
// refcount releases the underlying FileWatcher registration.
// Subscribers are held by task name, not by handle, so no reference
// cycle forms between TaskRuntimes and watch entries; the name is
// resolved against Legion's task table at delivery.
type WatchSet struct {
	fw      *watcher.FileWatcher
	entries map[string]*watchRef
}

type watchRef struct {
	count       int
	subscribers map[string]int
}

func NewWatchSet(fw *watcher.FileWatcher) *WatchSet {
	return &WatchSet{fw: fw, entries: make(map[string]*watchRef)}
}

// Acquire registers interest in path on behalf of task. The first
// acquisition of a path establishes the FileWatcher registration;
// missing paths are tolerated and report a created event on appearance.
func (ws *WatchSet) Acquire(task, path string) {
	ref, ok := ws.entries[path]
	if !ok {
		ref = &watchRef{subscribers: make(map[string]int)}
		ws.entries[path] = ref
		_ = ws.fw.Add([]string{path}, true)
	}
	ref.count++
	ref.subscribers[task]++
}

// Release drops one reference; the last release removes the underlying
// watch entirely.
func (ws *WatchSet) Release(task, path string) {
	ref, ok := ws.entries[path]
	if !ok {
		return
	}
	ref.count--
	if ref.subscribers[task]--; ref.subscribers[task] <= 0 {
		delete(ref.subscribers, task)
	}
	if ref.count <= 0 {
		delete(ws.entries, path)
		_ = ws.fw.Remove([]string{path})
	}
}

// SubscribersOf returns the task names interested in path, sorted so
// delivery order is deterministic within one wakeup.
func (ws *WatchSet) SubscribersOf(path string) []string {
	ref, ok := ws.entries[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ref.subscribers))
	for name := range ref.subscribers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Paths returns every currently-watched path, primarily for tests
// asserting on the watched set.
func (ws *WatchSet) Paths() []string {
	out := make([]string, 0, len(ws.entries))
	for p := range ws.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// taskView is the per-task PathSubscriber handed to each TaskRuntime:
// it closes over the task's name so the runtime never holds a watch
// entry directly.
type taskView struct {
	ws   *WatchSet
	task string
}

// ForTask returns the PathSubscriber view scoped to one task.
func (ws *WatchSet) ForTask(task string) taskView {
	return taskView{ws: ws, task: task}
}

func (v taskView) Watch(paths []string) {
	for _, p := range paths {
		v.ws.Acquire(v.task, p)
	}
}

func (v taskView) Unwatch(paths []string) {
	for _, p := range paths {
		v.ws.Release(v.task, p)
	}
}
