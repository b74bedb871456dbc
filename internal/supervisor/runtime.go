package supervisor

import (
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	cctx "github.com/akfullfo/legion/internal/context"
	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/pidfile"
)

// RequiresStatus lets a TaskRuntime ask whether another task currently
// satisfies a `requires` entry, gating the blocked -> delayed
// transition. Legion implements this over its full TaskRuntime table.
type RequiresStatus interface {
	Satisfied(task string) bool
}

// PathSubscriber is the narrow slice of FileWatcher a TaskRuntime needs:
// registering and releasing interest in its own `events` paths. Legion
// owns the real refcounted WatchSet and implements this directly over
// it.
type PathSubscriber interface {
	Watch(paths []string)
	Unwatch(paths []string)
}

// TaskRuntime is the mutable per-task state: the current TaskSpec, its
// process slots, and the timers driving their lifecycle.
type TaskRuntime struct {
	spec       legionconfig.TaskSpec
	identity   Identity
	taskLayers cctx.Layers

	runner Runner
	watch  PathSubscriber
	log    zerolog.Logger

	base        cctx.Context
	global      cctx.Layers
	activeRoles []string

	slots []*ProcessSlot

	armed         bool // once tasks: should (re)run
	onceSatisfied bool // once tasks: completed with exit 0 this arm cycle
	stopRequested bool // operator/shutdown/config-removal driven stop
	keepAdopted   bool // supervisor reset/stop: leave adopted slots running
	exitObserved  bool // a slot exited since the last onexit trigger

	auxPids map[int]string // in-flight fire-and-forget event commands, pid -> command name

	watchedPaths []string
}

// NewRuntime constructs a TaskRuntime in its initial (pre-context)
// state. Call UpdateContext before the first Reconcile.
func NewRuntime(spec legionconfig.TaskSpec, runner Runner, watch PathSubscriber, log zerolog.Logger) (*TaskRuntime, error) {
	identity, err := ResolveTaskIdentity(spec)
	if err != nil {
		return nil, fmt.Errorf("supervisor: task %q: %w", spec.Name, err)
	}

	rt := &TaskRuntime{
		spec:     spec,
		identity: identity,
		taskLayers: cctx.Layers{
			Defaults:     spec.Defaults,
			Defines:      spec.Defines,
			RoleDefaults: spec.RoleDefaults,
			RoleDefines:  spec.RoleDefines,
		},
		runner:  runner,
		watch:   watch,
		log:     log.With().Str("task", spec.Name).Logger(),
		slots:   make([]*ProcessSlot, spec.Count),
		armed:   spec.Control == legionconfig.ControlOnce,
		auxPids: make(map[int]string),
	}
	for i := range rt.slots {
		rt.slots[i] = &ProcessSlot{Instance: i, State: initialState(spec)}
	}

	rt.registerEventPaths()
	return rt, nil
}

// initialState always starts a slot in `blocked`, even when it has no
// `requires` entries: the blocked -> delayed transition in reconcileSlot
// is what stamps wakeAt with start_delay, so skipping straight to
// `delayed` here would let a slot spawn before its start_delay elapses.
func initialState(spec legionconfig.TaskSpec) State {
	return StateBlocked
}

// registerEventPaths subscribes to every literal path named by a
// file_change event, keeping the WatchSet equal to the union of paths
// requested by active tasks.
// python-typed events are registered separately by Legion through a
// ModuleWatcher, since their path set is the script's transitive
// import closure rather than one literal path.
func (rt *TaskRuntime) registerEventPaths() {
	var paths []string
	for _, ev := range rt.spec.Events {
		if ev.Type == "file_change" && ev.Path != "" {
			paths = append(paths, ev.Path)
		}
	}
	if len(paths) > 0 {
		rt.watch.Watch(paths)
		rt.watchedPaths = paths
	}
}

// Close releases this runtime's path subscriptions, called when the
// task leaves scope entirely (removed from config, or its role is no
// longer active).
func (rt *TaskRuntime) Close() {
	if len(rt.watchedPaths) > 0 {
		rt.watch.Unwatch(rt.watchedPaths)
		rt.watchedPaths = nil
	}
}

// Name returns the task name.
func (rt *TaskRuntime) Name() string { return rt.spec.Name }

// Spec returns the current TaskSpec snapshot.
func (rt *TaskRuntime) Spec() legionconfig.TaskSpec { return rt.spec }

// UpdateContext refreshes the layers used to resolve each slot's
// context. Legion calls this on every reload and whenever the active
// role set changes.
func (rt *TaskRuntime) UpdateContext(base cctx.Context, global cctx.Layers, activeRoles []string) {
	rt.base = base
	rt.global = global
	rt.activeRoles = activeRoles
}

// Satisfied implements the RequiresStatus view of this task as seen by
// its downstream dependents: a `once` task counts once it
// has exited 0; any other control counts once its first slot has left
// `delayed` (its start_delay timer has elapsed after the task started).
func (rt *TaskRuntime) Satisfied() bool {
	if rt.spec.Control == legionconfig.ControlOnce {
		return rt.onceSatisfied
	}
	for _, s := range rt.slots {
		if s.State != StateBlocked && s.State != StateDelayed {
			return true
		}
	}
	return false
}

// Arm re-enters a `once` task into its startable state, the
// onexit:start re-arm path.
func (rt *TaskRuntime) Arm() {
	if rt.spec.Control != legionconfig.ControlOnce {
		return
	}
	rt.armed = true
	rt.onceSatisfied = false
	for _, s := range rt.slots {
		if s.State == StateRetired {
			s.State = StateBlocked
		}
	}
}

// RequestStop transitions every slot toward `stopping`/`retired` ahead
// of a config change, operator stop, or supervisor shutdown. `event`
// control ignores stop requests entirely (its slots only ever move via
// TriggerFileEvent).
func (rt *TaskRuntime) RequestStop() {
	if rt.spec.Control == legionconfig.ControlEvent {
		return
	}
	rt.stopRequested = true
}

// RequestStopPreservingAdopted is RequestStop for supervisor reset and
// stop, which leave adopted slots alone: an adopted slot's process
// outlives this supervisor instance and is re-adopted by the next one.
func (rt *TaskRuntime) RequestStopPreservingAdopted() {
	rt.keepAdopted = true
	rt.stopRequested = true
	if rt.spec.Control == legionconfig.ControlEvent {
		// Even event control retires on supervisor shutdown; only the
		// per-task stop actions are ignored for it, not the end of the
		// supervisor itself.
		for _, s := range rt.slots {
			if !s.Alive() {
				s.State = StateRetired
			}
		}
	}
}

// CancelStop revives a task whose removal was undone before it finished
// draining (a reload put the name back in scope): retired slots return
// to `blocked` and the stop request is withdrawn.
func (rt *TaskRuntime) CancelStop() {
	rt.stopRequested = false
	rt.keepAdopted = false
	for _, s := range rt.slots {
		if s.State == StateRetired {
			s.State = StateBlocked
		}
	}
}

// StopAlive begins the stop sequence on every live slot without
// retiring the task: the restart path for a config change or an event
// action of `command:stop`, where `wait` control respawns the slot
// after cooldown.
func (rt *TaskRuntime) StopAlive(now time.Time) {
	for _, s := range rt.slots {
		if s.Alive() {
			rt.beginStop(s, now)
		}
	}
}

// AnyAlive reports whether any slot currently has a live process.
func (rt *TaskRuntime) AnyAlive() bool {
	for _, s := range rt.slots {
		if s.Alive() {
			return true
		}
	}
	return false
}

// SetCount adjusts the number of slots, retiring the highest-numbered
// instances when shrinking and adding fresh blocked slots when growing.
func (rt *TaskRuntime) SetCount(n int) {
	if n == len(rt.slots) {
		return
	}
	if n < len(rt.slots) {
		for _, s := range rt.slots[n:] {
			if s.Alive() {
				rt.beginStop(s, time.Now())
			} else {
				s.State = StateRetired
			}
		}
		rt.slots = rt.slots[:n]
		rt.spec.Count = n
		return
	}
	for i := len(rt.slots); i < n; i++ {
		rt.slots = append(rt.slots, &ProcessSlot{Instance: i, State: initialState(rt.spec)})
	}
	rt.spec.Count = n
}

// SetControl changes the task's control mode in place, re-evaluating
// slots against the new mode's initial state where that makes sense.
func (rt *TaskRuntime) SetControl(c legionconfig.Control) {
	rt.spec.Control = c
	if c == legionconfig.ControlOnce {
		rt.armed = true
	}
}

// Status is a read-only snapshot for the control plane's /status/tasks.
type Status struct {
	Name    string
	Control legionconfig.Control
	Count   int
	Slots   []SlotStatus
}

type SlotStatus struct {
	Instance int
	State    State
	Pid      int
}

func (rt *TaskRuntime) StatusSnapshot() Status {
	st := Status{Name: rt.spec.Name, Control: rt.spec.Control, Count: len(rt.slots)}
	for _, s := range rt.slots {
		st.Slots = append(st.Slots, SlotStatus{Instance: s.Instance, State: s.State, Pid: s.Pid})
	}
	return st
}

// Reconcile advances every slot's state machine by one step and returns
// the earliest absolute deadline any slot now needs attention, or the
// zero Value if nothing is pending. Legion calls this every event-loop
// pass.
func (rt *TaskRuntime) Reconcile(now time.Time, requires RequiresStatus) time.Time {
	requiresOK := rt.requiresSatisfied(requires)
	var nextWake time.Time
	for _, s := range rt.slots {
		rt.reconcileSlot(s, now, requiresOK)
		nextWake = earliest(nextWake, s.wakeAt)
	}
	return nextWake
}

func (rt *TaskRuntime) requiresSatisfied(requires RequiresStatus) bool {
	for _, r := range rt.spec.Requires {
		if requires == nil || !requires.Satisfied(r) {
			return false
		}
	}
	return true
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

func (rt *TaskRuntime) reconcileSlot(s *ProcessSlot, now time.Time, requiresOK bool) {
	if rt.stopRequested {
		switch s.State {
		case StateBlocked, StateDelayed, StateCooldown:
			s.State = StateRetired
			s.wakeAt = time.Time{}
			return
		case StateRunning:
			if s.adopted && rt.keepAdopted {
				// The adopted process survives this supervisor; drop it
				// from the slot table without signaling.
				s.State = StateRetired
				s.wakeAt = time.Time{}
				return
			}
			rt.beginStop(s, now)
		}
	}

	switch s.State {
	case StateBlocked:
		if rt.spec.Control == legionconfig.ControlEvent {
			return // only TriggerFileEvent moves an event-control slot
		}
		if requiresOK && (rt.spec.Control != legionconfig.ControlOnce || rt.armed) {
			s.State = StateDelayed
			s.wakeAt = now.Add(time.Duration(rt.spec.StartDelay * float64(time.Second)))
		}

	case StateDelayed:
		if !requiresOK {
			s.State = StateBlocked
			s.wakeAt = time.Time{}
			return
		}
		if now.Before(s.wakeAt) {
			return
		}
		rt.spawn(s, now)

	case StateRunning:
		if rt.spec.TimeLimit != nil {
			deadline := s.SpawnedAt.Add(time.Duration(*rt.spec.TimeLimit * float64(time.Second)))
			if !now.Before(deadline) {
				rt.beginStop(s, now)
				return
			}
			s.wakeAt = deadline
		}

	case StateStopping:
		if s.stopCmdPid != 0 {
			return // waiting on the stop command's exit via NoteExit
		}
		if !s.termSentAt.IsZero() && !now.Before(s.escalateAt) && s.Pid != 0 {
			_ = rt.runner.Signal(s.Pid, syscall.SIGKILL)
			s.escalateAt = time.Time{}
			s.wakeAt = time.Time{}
		}

	case StateTerminated:
		rt.settleTermination(s, now)

	case StateCooldown:
		if !now.Before(s.wakeAt) {
			s.State = StateBlocked
			s.wakeAt = time.Time{}
		}

	case StateRetired:
		// terminal; only Arm()/SetCount() moves a slot out of here.
	}
}

// spawn resolves this slot's context and forks its `start` command.
func (rt *TaskRuntime) spawn(s *ProcessSlot, now time.Time) {
	resolved := resolveSlotContext(rt.spec, rt.identity, rt.base, rt.global, rt.taskLayers, rt.activeRoles, s.Instance, 0)
	execPath, argv, err := expandCommand(rt.spec, "start", resolved)
	if err != nil {
		rt.log.Warn().Err(err).Int("instance", s.Instance).Msg("cannot resolve start command")
		rt.failSpawn(s, now)
		return
	}

	pid, err := rt.runner.Start(execPath, argv, resolved.Env, resolved.Cwd, rt.identity.uidN, rt.identity.gidN)
	if err != nil {
		rt.log.Warn().Err(err).Int("instance", s.Instance).Str("exec", execPath).Msg("spawn failed")
		rt.failSpawn(s, now)
		return
	}

	s.Pid = pid
	s.SpawnedAt = now
	s.resolved = resolveSlotContext(rt.spec, rt.identity, rt.base, rt.global, rt.taskLayers, rt.activeRoles, s.Instance, pid)
	if s.resolved.Pidfile != "" {
		if werr := pidfile.Write(s.resolved.Pidfile, pid); werr != nil {
			rt.log.Warn().Err(werr).Int("instance", s.Instance).Str("pidfile", s.resolved.Pidfile).Msg("cannot write pidfile")
		}
	}
	s.State = StateRunning
	s.wakeAt = time.Time{}
	if rt.spec.TimeLimit != nil {
		s.wakeAt = now.Add(time.Duration(*rt.spec.TimeLimit * float64(time.Second)))
	}
	rt.log.Info().Int("instance", s.Instance).Int("pid", pid).Msg("task started")
}

// failSpawn treats a spawn failure as an immediate terminated
// transition so the normal cooldown/backoff path picks it up.
func (rt *TaskRuntime) failSpawn(s *ProcessSlot, now time.Time) {
	s.ExitedAt = now
	s.ExitResult = ExitResult{ExitCode: -1}
	s.State = StateTerminated
	s.wakeAt = time.Time{}
}

// beginStop initiates the running -> stopping transition: a configured
// `stop` command if the task defines one, else a direct SIGTERM with
// the standard 5-second escalation to SIGKILL.
func (rt *TaskRuntime) beginStop(s *ProcessSlot, now time.Time) {
	if s.State == StateStopping {
		return
	}
	s.State = StateStopping

	if _, ok := rt.spec.Commands["stop"]; ok {
		resolved := resolveSlotContext(rt.spec, rt.identity, rt.base, rt.global, rt.taskLayers, rt.activeRoles, s.Instance, s.Pid)
		execPath, argv, err := expandCommand(rt.spec, "stop", resolved)
		if err != nil {
			rt.log.Warn().Err(err).Int("instance", s.Instance).Msg("cannot resolve stop command, falling back to signal")
		} else if pid, err := rt.runner.Start(execPath, argv, resolved.Env, resolved.Cwd, rt.identity.uidN, rt.identity.gidN); err != nil {
			rt.log.Warn().Err(err).Int("instance", s.Instance).Msg("stop command failed to start, falling back to signal")
		} else {
			s.stopCmdPid = pid
			return
		}
	}

	rt.sendTerm(s, now)
}

func (rt *TaskRuntime) sendTerm(s *ProcessSlot, now time.Time) {
	if s.Pid != 0 {
		_ = rt.runner.Signal(s.Pid, syscall.SIGTERM)
	}
	s.termSentAt = now
	s.escalateAt = now.Add(stopEscalation)
	s.wakeAt = s.escalateAt
}

// settleTermination is entered once per slot right after NoteExit marks
// it StateTerminated; it decides the next resting state per control
// mode.
func (rt *TaskRuntime) settleTermination(s *ProcessSlot, now time.Time) {
	rt.exitObserved = true
	if s.resolved.Pidfile != "" {
		pidfile.Remove(s.resolved.Pidfile)
	}
	switch rt.spec.Control {
	case legionconfig.ControlOnce:
		if s.ExitResult.ExitedCleanly() {
			rt.onceSatisfied = true
		}
		rt.armed = false
		s.State = StateRetired
		s.wakeAt = time.Time{}

	case legionconfig.ControlEvent:
		s.State = StateBlocked
		s.wakeAt = time.Time{}

	default: // wait
		crashLooped := s.ExitedAt.Sub(s.SpawnedAt) < startJitterTolerance
		cooldown := s.nextCooldown(crashLooped)
		s.State = StateCooldown
		s.wakeAt = now.Add(cooldown)
	}
	s.Pid = 0
	s.stopCmdPid = 0
	s.termSentAt = time.Time{}
	s.escalateAt = time.Time{}
}

// NoteExit delivers a reaped child's outcome to whichever slot or
// in-flight auxiliary command owns pid. It reports whether pid belonged
// to this runtime at all, so Legion can try the next runtime.
func (rt *TaskRuntime) NoteExit(now time.Time, pid int, result ExitResult) bool {
	for _, s := range rt.slots {
		if s.Pid == pid {
			s.ExitedAt = now
			s.ExitResult = result
			s.State = StateTerminated
			rt.log.Info().Int("instance", s.Instance).Int("pid", pid).Str("result", result.String()).Msg("task exited")
			return true
		}
		if s.stopCmdPid == pid {
			s.stopCmdPid = 0
			rt.log.Debug().Int("instance", s.Instance).Msg("stop command completed")
			rt.sendTerm(s, now)
			return true
		}
	}
	if name, ok := rt.auxPids[pid]; ok {
		delete(rt.auxPids, pid)
		rt.log.Debug().Str("command", name).Str("result", result.String()).Msg("event command completed")
		return true
	}
	return false
}

// HasPythonEvents reports whether this task has any `python`-typed
// events, so Legion knows whether to construct a ModuleWatcher for it.
func (rt *TaskRuntime) HasPythonEvents() bool {
	for _, ev := range rt.spec.Events {
		if ev.Type == "python" {
			return true
		}
	}
	return false
}

// StartScript returns the literal start[0] script path used to seed a
// ModuleWatcher, if this task's start command is a literal string.
func (rt *TaskRuntime) StartScript() (string, bool) {
	return legionconfig.FirstCommandString(rt.spec, "start")
}

// TriggerFileEvent runs the action configured for a file_change event
// matching path (or, when matchPython is true, any python-typed event,
// since a module closure's path set isn't known to the event entry
// itself). A "command:stop" action reuses the built-in stop/escalation
// machinery; any other command runs as a fire-and-forget auxiliary
// process; a signal action is delivered directly to every live slot.
func (rt *TaskRuntime) TriggerFileEvent(now time.Time, path string, matchPython bool) {
	for _, ev := range rt.spec.Events {
		matches := (ev.Type == "file_change" && ev.Path == path) || (matchPython && ev.Type == "python")
		if !matches {
			continue
		}
		rt.applyEventAction(now, ev.Action)
	}
}

func (rt *TaskRuntime) applyEventAction(now time.Time, action legionconfig.EventAction) {
	if rt.spec.Control == legionconfig.ControlEvent {
		// Event control only enters running as the action of an event:
		// the firing is itself the start trigger for any slot still
		// resting in `blocked`; the configured action only applies once
		// a slot is already running.
		spawnedAny := false
		for _, s := range rt.slots {
			if s.State == StateBlocked {
				rt.spawn(s, now)
				spawnedAny = true
			}
		}
		if spawnedAny {
			return
		}
	}

	if action.Signal != "" {
		sig, err := legionconfig.ParseSignal(action.Signal)
		if err != nil {
			rt.log.Warn().Err(err).Msg("unresolvable event signal")
			return
		}
		for _, s := range rt.slots {
			if s.Pid != 0 {
				_ = rt.runner.Signal(s.Pid, sig)
			}
		}
		return
	}

	if action.Command == "stop" {
		// A stop action restarts rather than retires: the slot exits,
		// `wait` control then respawns it after cooldown, and any
		// onexit entries fire in between.
		rt.StopAlive(now)
		return
	}
	if action.Command == "" {
		return
	}
	rt.runAuxCommand(now, action.Command)
}

func (rt *TaskRuntime) runAuxCommand(now time.Time, name string) {
	instance := 0
	if len(rt.slots) > 0 {
		instance = rt.slots[0].Instance
	}
	resolved := resolveSlotContext(rt.spec, rt.identity, rt.base, rt.global, rt.taskLayers, rt.activeRoles, instance, 0)
	execPath, argv, err := expandCommand(rt.spec, name, resolved)
	if err != nil {
		rt.log.Warn().Err(err).Str("command", name).Msg("cannot resolve event command")
		return
	}
	pid, err := rt.runner.Start(execPath, argv, resolved.Env, resolved.Cwd, rt.identity.uidN, rt.identity.gidN)
	if err != nil {
		rt.log.Warn().Err(err).Str("command", name).Msg("event command failed to start")
		return
	}
	rt.auxPids[pid] = name
}

// AllSlotsQuiesced reports whether every slot has reached a resting
// state (retired or blocked) rather than being mid-flight toward a
// restart; the condition Legion waits on before finishing a shutdown or
// dropping a removed task.
func (rt *TaskRuntime) AllSlotsQuiesced() bool {
	for _, s := range rt.slots {
		if s.State != StateRetired && s.State != StateBlocked {
			return false
		}
	}
	return true
}

// ConsumeOnExitTrigger returns this task's onexit entries exactly once
// after every slot's process has gone away following an observed exit —
// whether the exit was stop-driven or the child died on its own. The
// latter case is what re-arms a once prerequisite after child death:
// the prerequisite re-runs before this task respawns.
func (rt *TaskRuntime) ConsumeOnExitTrigger() []legionconfig.OnExit {
	if !rt.exitObserved {
		return nil
	}
	for _, s := range rt.slots {
		if s.Alive() {
			return nil
		}
	}
	rt.exitObserved = false
	return rt.spec.OnExit
}

// ApplySpec swaps in a changed TaskSpec after a reload. Live slots are
// stopped so their respawn picks up the new commands and context; the
// slot count and watched event paths are reconciled in place, keeping
// Task_instance stable for surviving slots.
func (rt *TaskRuntime) ApplySpec(spec legionconfig.TaskSpec, now time.Time) error {
	identity, err := ResolveTaskIdentity(spec)
	if err != nil {
		return fmt.Errorf("supervisor: task %q: %w", spec.Name, err)
	}

	if len(rt.watchedPaths) > 0 {
		rt.watch.Unwatch(rt.watchedPaths)
		rt.watchedPaths = nil
	}

	rt.SetCount(spec.Count)
	rt.spec = spec
	rt.identity = identity
	rt.taskLayers = cctx.Layers{
		Defaults:     spec.Defaults,
		Defines:      spec.Defines,
		RoleDefaults: spec.RoleDefaults,
		RoleDefines:  spec.RoleDefines,
	}
	if spec.Control == legionconfig.ControlOnce {
		rt.armed = true
		rt.onceSatisfied = false
	}

	rt.registerEventPaths()
	rt.StopAlive(now)
	return nil
}

// ResolvePidfile renders the task's pidfile template for one instance,
// used by Legion's orphan-adoption sweep before any slot has spawned.
func (rt *TaskRuntime) ResolvePidfile(instance int) string {
	if rt.spec.Pidfile == "" {
		return ""
	}
	resolved := resolveSlotContext(rt.spec, rt.identity, rt.base, rt.global, rt.taskLayers, rt.activeRoles, instance, 0)
	return resolved.Pidfile
}

// AdoptOrphan places slot 0 directly into `running` with pid: a task
// whose pidfile names a live process with the right executable keeps
// that process as slot 0 without respawn.
func (rt *TaskRuntime) AdoptOrphan(pid int) {
	if len(rt.slots) == 0 {
		return
	}
	s := rt.slots[0]
	s.Pid = pid
	s.SpawnedAt = time.Now()
	s.State = StateRunning
	s.adopted = true
}
