package registry

import "time"

// Status is the liveness-derived presence of an agent, computed from its
// record rather than stored in it.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
	StatusStuck  Status = "stuck"
)

const (
	activeWindow = 30 * time.Second
	idleWindow   = 5 * time.Minute
)

// ComputeStatus derives an agent's presence from how long ago it last did
// anything. An agent holding a reservation is never "away": either it is
// merely idle, or past stuckThreshold it is flagged stuck so peers know the
// claim may be abandoned. A zero or future lastActivity degrades to active
// rather than guessing.
func ComputeStatus(lastActivity, now time.Time, hasReservation bool, stuckThreshold time.Duration) (Status, time.Duration) {
	if lastActivity.IsZero() {
		return StatusActive, 0
	}
	elapsed := now.Sub(lastActivity)
	if elapsed < 0 {
		return StatusActive, 0
	}
	switch {
	case elapsed < activeWindow:
		return StatusActive, elapsed
	case elapsed < idleWindow:
		return StatusIdle, elapsed
	case !hasReservation:
		return StatusAway, elapsed
	case stuckThreshold > 0 && elapsed >= stuckThreshold:
		return StatusStuck, elapsed
	default:
		return StatusIdle, elapsed
	}
}
