package legion

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	cctx "github.com/akfullfo/legion/internal/context"
	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/modwatch"
	"github.com/akfullfo/legion/internal/pidfile"
	"github.com/akfullfo/legion/internal/supervisor"
)

// reload re-reads the configuration and roles files, retaining the
// previous config on any error; loading is transactional. An unchanged
// document is a no-op: no process is started, stopped, or signaled.
func (lg *Legion) reload(now time.Time) {
	loaded, err := legionconfig.Load(lg.opts.ConfigPath, lg.opts.RolesPath)
	if err != nil {
		lg.log.Error().Err(err).Msg("config reload failed, retaining previous config")
		return
	}
	if lg.loaded != nil &&
		reflect.DeepEqual(loaded.Config, lg.loaded.Config) &&
		reflect.DeepEqual(loaded.ActiveRoles, lg.loaded.ActiveRoles) {
		lg.log.Debug().Msg("configuration unchanged")
		return
	}
	lg.applyLoaded(loaded, now)
	lg.log.Info().Str("generation", loaded.GenerationID).Int("tasks", len(lg.runtimes)).Msg("configuration applied")
}

// applyLoaded reconciles the TaskRuntime table against a freshly-loaded
// configuration: tasks that left scope begin draining, surviving tasks
// keep their runtime (restarting slots only when their spec actually
// changed), and new tasks get a fresh runtime. Runtimes persist across
// reloads where the task name survives.
func (lg *Legion) applyLoaded(loaded *legionconfig.Loaded, now time.Time) {
	scoped := loaded.ScopedTasks()

	for name, rt := range lg.runtimes {
		if _, ok := scoped[name]; ok {
			continue
		}
		lg.log.Info().Str("task", name).Msg("task no longer in scope, stopping")
		rt.RequestStop()
		lg.removing[name] = rt
		delete(lg.runtimes, name)
		delete(lg.suspended, name)
		lg.dropModuleWatch(name)
	}

	names := make([]string, 0, len(scoped))
	for name := range scoped {
		names = append(names, name)
	}
	sort.Strings(names)

	global := cctx.Layers{
		Defaults:     loaded.Config.Defaults,
		Defines:      loaded.Config.Defines,
		RoleDefaults: loaded.Config.RoleDefaults,
		RoleDefines:  loaded.Config.RoleDefines,
	}

	for _, name := range names {
		spec := scoped[name]

		if old, draining := lg.removing[name]; draining {
			// Removed and re-added before the drain finished: revive the
			// old runtime rather than racing a second one for the name.
			delete(lg.removing, name)
			lg.runtimes[name] = old
			old.CancelStop()
		}

		if rt, ok := lg.runtimes[name]; ok {
			rt.UpdateContext(lg.base, global, loaded.ActiveRoles)
			if !reflect.DeepEqual(rt.Spec(), spec) {
				lg.log.Info().Str("task", name).Msg("task spec changed, restarting its slots")
				if err := rt.ApplySpec(spec, now); err != nil {
					lg.log.Error().Err(err).Str("task", name).Msg("cannot apply new spec, keeping previous")
					continue
				}
				lg.refreshModuleWatch(name, rt)
			}
			continue
		}

		rt, err := supervisor.NewRuntime(spec, lg.runner, lg.watchset.ForTask(name), *lg.opts.Log)
		if err != nil {
			lg.log.Error().Err(err).Str("task", name).Msg("cannot create task runtime")
			continue
		}
		rt.UpdateContext(lg.base, global, loaded.ActiveRoles)
		lg.runtimes[name] = rt
		lg.refreshModuleWatch(name, rt)
	}

	for _, rt := range lg.removing {
		rt.UpdateContext(lg.base, global, loaded.ActiveRoles)
	}

	lg.loaded = loaded
}

// refreshModuleWatch (re)establishes the ModuleWatcher for a task with
// python events: the start script is registered through the WatchSet on
// the task's behalf, and the script's transitive import closure goes
// straight onto the FileWatcher.
func (lg *Legion) refreshModuleWatch(name string, rt *supervisor.TaskRuntime) {
	if !rt.HasPythonEvents() {
		lg.dropModuleWatch(name)
		return
	}
	script, ok := rt.StartScript()
	if !ok {
		lg.log.Warn().Str("task", name).Msg("python events configured but start command has no literal script path")
		return
	}
	if existing, ok := lg.modwatchers[name]; ok {
		if existing.script == script {
			if err := existing.mw.Rescan(); err != nil {
				lg.log.Warn().Err(err).Str("task", name).Msg("module rescan failed")
			}
			return
		}
		lg.dropModuleWatch(name)
	}

	mw, err := modwatch.New(script, moduleSearchPath(script), lg.fw, lg.opts.Log)
	if err != nil {
		lg.log.Warn().Err(err).Str("task", name).Str("script", script).Msg("cannot watch script modules")
		return
	}
	lg.watchset.Acquire(name, script)
	lg.modwatchers[name] = &moduleWatch{mw: mw, script: script}
}

func (lg *Legion) dropModuleWatch(name string) {
	mwatch, ok := lg.modwatchers[name]
	if !ok {
		return
	}
	lg.watchset.Release(name, mwatch.script)
	if files := mwatch.mw.Files(); len(files) > 0 {
		_ = lg.fw.Remove(files)
	}
	delete(lg.modwatchers, name)
}

// moduleSearchPath is the ordered module search path handed to the
// ModuleWatcher: the script's own directory first, then PYTHONPATH.
func moduleSearchPath(script string) []string {
	path := []string{filepath.Dir(script)}
	for _, dir := range strings.Split(os.Getenv("PYTHONPATH"), ":") {
		if dir != "" {
			path = append(path, dir)
		}
	}
	return path
}

// adoptOrphans scans each task's resolved pidfile at startup: a live
// process whose executable matches the task's start[0] becomes slot 0
// without respawn. Liveness is verified with a null signal; the pidfile
// is never assumed consistent with the process table.
func (lg *Legion) adoptOrphans() {
	for _, name := range lg.taskNames() {
		rt, ok := lg.runtimes[name]
		if !ok {
			continue
		}
		pf := rt.ResolvePidfile(0)
		if pf == "" {
			continue
		}
		pid, err := pidfile.Read(pf)
		if err != nil {
			continue
		}
		if !pidfile.IsAlive(pid) {
			pidfile.Remove(pf)
			continue
		}
		start, ok := rt.StartScript()
		if ok && !pidfile.ExecutableMatches(pid, start) {
			lg.log.Warn().Str("task", name).Int("pid", pid).Msg("pidfile names a live process with a different executable, not adopting")
			continue
		}
		lg.log.Info().Str("task", name).Int("pid", pid).Msg("adopting orphan process")
		rt.AdoptOrphan(pid)
	}
}
