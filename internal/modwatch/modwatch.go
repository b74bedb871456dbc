// Package modwatch computes script module dependencies: given a script
// path and an ordered module search path, it computes the set of source
// files the script transitively imports (excluding anything it cannot
// resolve within the search path, treated as a system-library location)
// and registers that set with a FileWatcher.
//
// Only Python scripts are analyzable in this implementation;
// ConfigLoader relies on ErrNotAnalyzable to distinguish that case from
// an I/O error and reject `events: [{type: python}]` entries up front.
package modwatch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/akfullfo/legion/internal/watcher"
)

// ErrNotAnalyzable is returned when the script's language has no static
// analyzer in this implementation. It is distinguishable from a plain
// I/O error via errors.Is so ConfigLoader can reject the config entry
// up front rather than fail later at runtime.
var ErrNotAnalyzable = errors.New("modwatch: script is not analyzable")

var (
	importRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import\s`)
)

// ModuleWatcher tracks the transitive module closure of one script.
type ModuleWatcher struct {
	scriptPath string
	searchPath []string
	fw         *watcher.FileWatcher
	log        *zerolog.Logger

	registered map[string]struct{}
}

// CanAnalyze reports whether scriptPath's language is supported,
// without performing a full scan. ConfigLoader uses this at config-load
// time to reject a `python` event entry on a task whose start command
// names a script this implementation cannot analyze, instead of
// discovering the failure only when the event fires.
func CanAnalyze(scriptPath string) error {
	if !strings.HasSuffix(scriptPath, ".py") {
		return fmt.Errorf("%w: %s", ErrNotAnalyzable, scriptPath)
	}
	return nil
}

// New creates a ModuleWatcher and performs an initial Rescan. Returns
// ErrNotAnalyzable (wrapped) if scriptPath's language isn't supported.
func New(scriptPath string, searchPath []string, fw *watcher.FileWatcher, log *zerolog.Logger) (*ModuleWatcher, error) {
	if !strings.HasSuffix(scriptPath, ".py") {
		return nil, fmt.Errorf("%w: %s", ErrNotAnalyzable, scriptPath)
	}
	mw := &ModuleWatcher{
		scriptPath: scriptPath,
		searchPath: searchPath,
		fw:         fw,
		log:        log,
		registered: make(map[string]struct{}),
	}
	if err := mw.Rescan(); err != nil {
		return nil, err
	}
	return mw, nil
}

// Rescan recomputes the transitive import closure (e.g. after the
// script itself changed) and updates the FileWatcher registration to
// match: newly-discovered files are added, files no longer imported are
// removed.
func (mw *ModuleWatcher) Rescan() error {
	closure, err := transitiveClosure(mw.scriptPath, mw.searchPath)
	if err != nil {
		return fmt.Errorf("modwatch: scanning %s: %w", mw.scriptPath, err)
	}

	var toAdd []string
	next := make(map[string]struct{}, len(closure))
	for _, f := range closure {
		next[f] = struct{}{}
		if _, already := mw.registered[f]; !already {
			toAdd = append(toAdd, f)
		}
	}
	var toRemove []string
	for f := range mw.registered {
		if _, still := next[f]; !still {
			toRemove = append(toRemove, f)
		}
	}

	if len(toAdd) > 0 {
		if err := mw.fw.Add(toAdd, true); err != nil {
			mw.log.Warn().Err(err).Msg("modwatch: failed to register some module files")
		}
	}
	if len(toRemove) > 0 {
		_ = mw.fw.Remove(toRemove)
	}
	mw.registered = next
	return nil
}

// Files returns the currently-registered module closure, sorted for
// deterministic inspection.
func (mw *ModuleWatcher) Files() []string {
	out := make([]string, 0, len(mw.registered))
	for f := range mw.registered {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// transitiveClosure walks import statements starting at scriptPath,
// resolving each imported module against searchPath, until a fixpoint.
// Modules that can't be resolved anywhere in searchPath are assumed to
// be system-library locations and are excluded.
func transitiveClosure(scriptPath string, searchPath []string) ([]string, error) {
	scriptPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]struct{}{scriptPath: {}}
	queue := []string{scriptPath}
	var out []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)

		imports, err := parseImports(cur)
		if err != nil {
			return nil, err
		}
		for _, modName := range imports {
			resolved, ok := resolveModule(modName, searchPath)
			if !ok {
				continue // system-library location, excluded
			}
			if _, seen := visited[resolved]; seen {
				continue
			}
			visited[resolved] = struct{}{}
			queue = append(queue, resolved)
		}
	}

	// The script itself is watched on the task's behalf already;
	// ModuleWatcher only owns the imported modules.
	modules := out[1:]
	return modules, nil
}

func parseImports(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mods []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := importRe.FindStringSubmatch(line); m != nil {
			mods = append(mods, m[1])
			continue
		}
		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			mods = append(mods, m[1])
		}
	}
	return mods, scanner.Err()
}

// resolveModule locates modName (dotted, e.g. "pkg.sub") within
// searchPath as either "pkg/sub.py" or "pkg/sub/__init__.py".
func resolveModule(modName string, searchPath []string) (string, bool) {
	rel := strings.ReplaceAll(modName, ".", string(filepath.Separator))
	for _, dir := range searchPath {
		candidate := filepath.Join(dir, rel+".py")
		if fileExists(candidate) {
			return candidate, true
		}
		candidate = filepath.Join(dir, rel, "__init__.py")
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
