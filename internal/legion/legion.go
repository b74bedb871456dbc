// Package legion is the top-level orchestrator: it owns
// the singleton Poller, FileWatcher, and ConfigLoader, drives the main
// event loop, and exposes reset/stop/reload. All state lives on the one
// loop goroutine; the only suspension point is the Poller's wait.
package legion

import (
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	cctx "github.com/akfullfo/legion/internal/context"
	"github.com/akfullfo/legion/internal/controlplane"
	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/modwatch"
	"github.com/akfullfo/legion/internal/poller"
	"github.com/akfullfo/legion/internal/selfpipe"
	"github.com/akfullfo/legion/internal/supervisor"
	"github.com/akfullfo/legion/internal/watcher"
)

// Options configures a Legion instance from the CLI surface.
type Options struct {
	ConfigPath string
	RolesPath  string
	// ExtraHTTP is the listener given on the command line (--http,
	// --certfile, --allow-control), in addition to settings.http.
	ExtraHTTP []legionconfig.HTTPListener
	// Expires bounds the whole process's wall-clock lifetime; zero means
	// no bound.
	Expires time.Duration
	Version string
	Log     *zerolog.Logger
}

type shutdownMode int

const (
	shutdownNone shutdownMode = iota
	shutdownStop
	shutdownReset
)

const (
	// aggregationWindow collapses editor-style save storms into one
	// wakeup.
	aggregationWindow = 200 * time.Millisecond
	aggregationLimit  = 64

	// Polling mode needs a frequent sweep; native mode only scans to
	// recover lost watches and pending-appearance paths.
	pollingScanInterval = 1 * time.Second
	nativeScanInterval  = 5 * time.Second

	maxPollInterval = 30 * time.Second
)

// Legion is the running supervisor as a whole.
type Legion struct {
	opts Options
	log  zerolog.Logger

	poller   poller.Poller
	fw       *watcher.FileWatcher
	sigs     *selfpipe.Pipe
	watchset *WatchSet
	runner   supervisor.Runner

	base   cctx.Context
	loaded *legionconfig.Loaded

	runtimes map[string]*supervisor.TaskRuntime
	// removing holds runtimes for tasks that left scope (config removal
	// or role change); they are driven until quiesced, then dropped.
	removing    map[string]*supervisor.TaskRuntime
	suspended   map[string]bool
	modwatchers map[string]*moduleWatch

	servers    []*controlplane.Server
	serverByFD map[int]*controlplane.Server

	pendingReload bool
	pendingStop   bool
	pendingReset  bool

	shuttingDown bool
	shutdownTo   shutdownMode
	stopIssued   map[string]bool

	expiresAt  time.Time
	nextScanAt time.Time

	origArgv []string
	origEnv  []string
}

type moduleWatch struct {
	mw     *modwatch.ModuleWatcher
	script string
}

// New builds a Legion but does not load config or start children; Run
// does both.
func New(opts Options) (*Legion, error) {
	log := opts.Log.With().Str("component", "legion").Logger()

	p, err := poller.New()
	if err != nil {
		return nil, errors.Wrap(err, "legion")
	}
	fw, err := watcher.New(opts.Log)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "legion")
	}
	fw.SetAggregation(watcher.Aggregation{Timeout: aggregationWindow, Limit: aggregationLimit})

	sigs, err := selfpipe.New(syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	if err != nil {
		fw.Close()
		p.Close()
		return nil, errors.Wrap(err, "legion")
	}

	lg := &Legion{
		opts:        opts,
		log:         log,
		poller:      p,
		fw:          fw,
		sigs:        sigs,
		watchset:    NewWatchSet(fw),
		runner:      supervisor.OSRunner{},
		base:        cctx.BaseFromEnviron(),
		runtimes:    make(map[string]*supervisor.TaskRuntime),
		removing:    make(map[string]*supervisor.TaskRuntime),
		suspended:   make(map[string]bool),
		modwatchers: make(map[string]*moduleWatch),
		serverByFD:  make(map[int]*controlplane.Server),
		stopIssued:  make(map[string]bool),
		origArgv:    append([]string(nil), os.Args...),
		origEnv:     os.Environ(),
	}
	return lg, nil
}

// Run loads the initial configuration and drives the event loop until a
// stop completes. The error is nil after a clean stop; a ConfigError
// from the initial load is returned as-is so main can map it to exit
// code 1. Reset never returns: the process is replaced via exec.
func (lg *Legion) Run() error {
	defer lg.close()

	loaded, err := legionconfig.Load(lg.opts.ConfigPath, lg.opts.RolesPath)
	if err != nil {
		return err
	}
	lg.applyLoaded(loaded, time.Now())

	if err := lg.poller.Register(lg.sigs.ReadFD(), poller.Readable); err != nil {
		return errors.Wrap(err, "legion: registering signal pipe")
	}
	if err := lg.poller.Register(lg.fw.Handle(), poller.Readable); err != nil {
		return errors.Wrap(err, "legion: registering file watcher")
	}

	watched := []string{lg.opts.ConfigPath}
	if lg.opts.RolesPath != "" {
		watched = append(watched, lg.opts.RolesPath)
	}
	if err := lg.fw.Add(watched, true); err != nil {
		lg.log.Warn().Err(err).Msg("cannot watch configuration files")
	}

	if err := lg.openServers(); err != nil {
		return err
	}

	lg.adoptOrphans()

	if lg.opts.Expires > 0 {
		lg.expiresAt = time.Now().Add(lg.opts.Expires)
	}
	lg.nextScanAt = time.Now().Add(lg.scanInterval())

	lg.log.Info().Str("config", lg.opts.ConfigPath).Str("mode", lg.fw.Mode().String()).Msg("legion started")
	return lg.loop()
}

func (lg *Legion) scanInterval() time.Duration {
	if lg.fw.Mode() == watcher.Polling {
		return pollingScanInterval
	}
	return nativeScanInterval
}

func (lg *Legion) openServers() error {
	listeners := append([]legionconfig.HTTPListener(nil), lg.loaded.Config.HTTP...)
	listeners = append(listeners, lg.opts.ExtraHTTP...)
	for _, desc := range listeners {
		srv, err := controlplane.New(desc, lg, lg.opts.Log)
		if err != nil {
			return err
		}
		if err := lg.poller.Register(srv.Handle(), poller.Readable); err != nil {
			srv.Close()
			return errors.Wrapf(err, "legion: registering listener %s", desc.Listen)
		}
		lg.servers = append(lg.servers, srv)
		lg.serverByFD[srv.Handle()] = srv
		lg.log.Info().Str("listen", desc.Listen).Bool("allow_control", desc.AllowControl).Msg("control plane listening")
	}
	return nil
}

// loop runs five steps per pass: compute the next deadline, poll,
// dispatch readiness, advance timers, attempt one transition per task.
func (lg *Legion) loop() error {
	for {
		now := time.Now()

		if !lg.expiresAt.IsZero() && !now.Before(lg.expiresAt) {
			lg.log.Info().Msg("expiry reached, stopping")
			lg.expiresAt = time.Time{}
			lg.pendingStop = true
		}
		if lg.pendingReload {
			lg.pendingReload = false
			lg.reload(now)
		}
		if lg.pendingStop {
			lg.pendingStop = false
			lg.beginShutdown(shutdownStop)
		}
		if lg.pendingReset {
			lg.pendingReset = false
			lg.beginShutdown(shutdownReset)
		}
		if lg.shuttingDown {
			lg.advanceShutdown()
			if lg.shutdownQuiesced() {
				return lg.finishShutdown()
			}
		}

		if !now.Before(lg.nextScanAt) {
			lg.fw.Scan()
			lg.nextScanAt = now.Add(lg.scanInterval())
		}

		next := lg.reconcileAll(now)
		lg.fireOnExits()

		events, err := lg.poller.Poll(lg.pollTimeout(now, next))
		if err != nil {
			lg.log.Warn().Err(err).Msg("poll failed")
			continue
		}
		lg.dispatch(events, time.Now())
	}
}

// reconcileAll advances every runtime one step, isolating per-task
// panics: a failing TaskRuntime is suspended, never
// allowed to take the Legion down.
func (lg *Legion) reconcileAll(now time.Time) time.Time {
	var next time.Time
	for _, name := range lg.taskNames() {
		rt := lg.lookup(name)
		if rt == nil || lg.suspended[name] {
			continue
		}
		wake := lg.safeReconcile(name, rt, now)
		next = earliest(next, wake)
	}

	for name, rt := range lg.removing {
		if rt.AllSlotsQuiesced() {
			rt.Close()
			delete(lg.removing, name)
			lg.log.Info().Str("task", name).Msg("task left scope")
		}
	}
	return next
}

func (lg *Legion) safeReconcile(name string, rt *supervisor.TaskRuntime, now time.Time) (wake time.Time) {
	defer func() {
		if r := recover(); r != nil {
			lg.suspended[name] = true
			lg.log.Error().Str("task", name).Interface("panic", r).Msg("task runtime failed, suspending it")
		}
	}()
	return rt.Reconcile(now, lg)
}

// fireOnExits re-arms once prerequisites named by onexit entries;
// arming takes effect on the next reconcile pass.
func (lg *Legion) fireOnExits() {
	for _, name := range lg.taskNames() {
		rt, ok := lg.runtimes[name]
		if !ok {
			continue
		}
		for _, entry := range rt.ConsumeOnExitTrigger() {
			if entry.Type != "start" {
				continue
			}
			target, ok := lg.runtimes[entry.Task]
			if !ok {
				lg.log.Warn().Str("task", name).Str("target", entry.Task).Msg("onexit target not in scope")
				continue
			}
			lg.log.Info().Str("task", name).Str("target", entry.Task).Msg("onexit re-arming task")
			target.Arm()
		}
	}
}

// Satisfied implements supervisor.RequiresStatus over the task table.
func (lg *Legion) Satisfied(task string) bool {
	rt, ok := lg.runtimes[task]
	return ok && rt.Satisfied()
}

func (lg *Legion) pollTimeout(now, next time.Time) int {
	deadline := lg.nextScanAt
	if !next.IsZero() && next.Before(deadline) {
		deadline = next
	}
	if !lg.expiresAt.IsZero() && lg.expiresAt.Before(deadline) {
		deadline = lg.expiresAt
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	if d > maxPollInterval {
		d = maxPollInterval
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

// dispatch processes one poll wakeup in a deterministic class order:
// signals, then config/roles changes, then task-event file
// changes, then HTTP requests. Timers are advanced by the reconcile
// pass at the top of the next iteration.
func (lg *Legion) dispatch(events []poller.Event, now time.Time) {
	var sigReady, fwReady bool
	var httpFDs []int
	for _, ev := range events {
		switch {
		case ev.Handle == lg.sigs.ReadFD():
			sigReady = true
		case ev.Handle == lg.fw.Handle():
			fwReady = true
		default:
			if _, ok := lg.serverByFD[ev.Handle]; ok {
				httpFDs = append(httpFDs, ev.Handle)
			}
		}
	}

	if sigReady {
		lg.dispatchSignals(now)
	}
	if fwReady {
		lg.dispatchFileChanges(now)
	}
	sort.Ints(httpFDs)
	for _, fd := range httpFDs {
		lg.serverByFD[fd].HandleReadable()
	}
}

func (lg *Legion) dispatchSignals(now time.Time) {
	for _, sig := range lg.sigs.Drain() {
		switch {
		case selfpipe.Is(sig, syscall.SIGCHLD):
			lg.reapExits(now)
		case selfpipe.Is(sig, syscall.SIGTERM), selfpipe.Is(sig, syscall.SIGINT):
			lg.log.Info().Str("signal", sig.String()).Msg("stop requested")
			lg.pendingStop = true
		case selfpipe.Is(sig, syscall.SIGHUP):
			lg.log.Info().Msg("reset requested")
			lg.pendingReset = true
		}
	}
}

// reapExits drains every reapable child and routes each exit to the
// runtime owning its pid, in ascending pid order.
func (lg *Legion) reapExits(now time.Time) {
	results := supervisor.Reap()
	pids := make([]int, 0, len(results))
	for pid := range results {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	for _, pid := range pids {
		res := results[pid]
		claimed := false
		for _, name := range lg.taskNames() {
			if rt := lg.lookup(name); rt != nil && rt.NoteExit(now, pid, res) {
				claimed = true
				break
			}
		}
		if !claimed {
			lg.log.Debug().Int("pid", pid).Str("result", res.String()).Msg("reaped unowned child")
		}
	}
}

func (lg *Legion) dispatchFileChanges(now time.Time) {
	changes := lg.fw.Drain()
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	// Config and roles changes first, so a reload precedes the respawn
	// decisions it may obviate.
	for _, p := range paths {
		if p == lg.opts.ConfigPath || (lg.opts.RolesPath != "" && p == lg.opts.RolesPath) {
			lg.log.Info().Str("path", p).Msg("configuration changed")
			lg.pendingReload = true
		}
	}
	for _, p := range paths {
		if p == lg.opts.ConfigPath || (lg.opts.RolesPath != "" && p == lg.opts.RolesPath) {
			continue
		}
		lg.dispatchPath(now, p)
	}
}

func (lg *Legion) dispatchPath(now time.Time, path string) {
	for _, name := range lg.watchset.SubscribersOf(path) {
		rt, ok := lg.runtimes[name]
		if !ok || lg.suspended[name] {
			continue
		}
		isScript := lg.modwatchers[name] != nil && lg.modwatchers[name].script == path
		lg.safeTrigger(name, rt, now, path, isScript)
		if isScript {
			if err := lg.modwatchers[name].mw.Rescan(); err != nil {
				lg.log.Warn().Err(err).Str("task", name).Msg("module rescan failed")
			}
		}
	}

	// A change inside a script's module closure fires that task's
	// python events even though no event entry names the path.
	for name, mwatch := range lg.modwatchers {
		if mwatch.script == path {
			continue // already handled above via the watchset
		}
		for _, f := range mwatch.mw.Files() {
			if f != path {
				continue
			}
			if rt, ok := lg.runtimes[name]; ok && !lg.suspended[name] {
				lg.safeTrigger(name, rt, now, path, true)
			}
			break
		}
	}
}

func (lg *Legion) safeTrigger(name string, rt *supervisor.TaskRuntime, now time.Time, path string, python bool) {
	defer func() {
		if r := recover(); r != nil {
			lg.suspended[name] = true
			lg.log.Error().Str("task", name).Interface("panic", r).Msg("task runtime failed, suspending it")
		}
	}()
	rt.TriggerFileEvent(now, path, python)
}

// taskNames returns active plus leaving tasks, sorted for deterministic
// processing order.
func (lg *Legion) taskNames() []string {
	names := make([]string, 0, len(lg.runtimes)+len(lg.removing))
	for name := range lg.runtimes {
		names = append(names, name)
	}
	for name := range lg.removing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (lg *Legion) lookup(name string) *supervisor.TaskRuntime {
	if rt, ok := lg.runtimes[name]; ok {
		return rt
	}
	return lg.removing[name]
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func (lg *Legion) close() {
	for _, srv := range lg.servers {
		srv.Close()
	}
	_ = lg.sigs.Close()
	_ = lg.fw.Close()
	_ = lg.poller.Close()
}
