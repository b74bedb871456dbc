package supervisor

import "time"

// ProcessSlot is one of a task's `count` process instances. Instance is
// stable across respawns for the same logical slot.
type ProcessSlot struct {
	Instance int
	State    State

	Pid       int
	SpawnedAt time.Time

	ExitedAt   time.Time
	ExitResult ExitResult

	// resolved is the context snapshot used for the most recent spawn,
	// kept so the pidfile removed after exit is the one named at spawn
	// even if a config reload has since changed the template. Stop
	// commands resolve a fresh context instead.
	resolved Resolved

	// wakeAt is the next absolute deadline this slot needs Reconcile
	// called for (start_delay expiry, stop escalation, cooldown expiry,
	// time_limit expiry). Zero means "no pending timer."
	wakeAt time.Time

	// cooldown is the current backoff accumulator; it doubles on a
	// crash-loop terminate and resets after a stable run.
	cooldown time.Duration

	// stopCmdPid is non-zero while a user-supplied stop command is
	// in flight; once it exits, the built-in SIGTERM/SIGKILL escalation
	// begins against Pid.
	stopCmdPid int
	// termSentAt is when SIGTERM was delivered to Pid during a stop;
	// zero until sent. escalateAt is when SIGKILL follows if Pid is
	// still alive.
	termSentAt time.Time
	escalateAt time.Time

	// adopted marks a slot recovered via orphan adoption:
	// it starts directly in `running` without having been spawned by
	// this supervisor instance.
	adopted bool
}

// Alive reports whether the slot currently has a live pid under any of
// the running/stopping phases.
func (s *ProcessSlot) Alive() bool {
	return s.Pid != 0 && (s.State == StateStarting || s.State == StateRunning || s.State == StateStopping)
}

// nextCooldown doubles the backoff, capped at maxCooldown: a slot that
// terminates within a short window of starting is crash-looping, while
// a stable run resets the accumulator.
func (s *ProcessSlot) nextCooldown(crashLooped bool) time.Duration {
	if !crashLooped {
		s.cooldown = 0
		return minCooldown
	}
	if s.cooldown == 0 {
		s.cooldown = minCooldown
	} else {
		s.cooldown *= 2
		if s.cooldown > maxCooldown {
			s.cooldown = maxCooldown
		}
	}
	return s.cooldown
}
