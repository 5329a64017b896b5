package sbx

import "github.com/agentbox/agentbox/internal/backend"

// Status is the registry's view of a sandbox lifecycle state.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusPaused  Status = "paused"
	StatusUnknown Status = "unknown"
)

// ValidTransition checks whether a lifecycle transition is allowed.
// Reconciliation may move any status to or from unknown; everything else
// follows created -> running -> {stopped, paused} -> running.
func ValidTransition(from, to Status) bool {
	if to == StatusUnknown || from == StatusUnknown {
		return true
	}
	switch from {
	case StatusCreated:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusStopped || to == StatusPaused || to == StatusRunning
	case StatusStopped:
		return to == StatusRunning
	case StatusPaused:
		return to == StatusRunning
	default:
		return false
	}
}

// FromState maps a backend-reported state onto a registry status.
func FromState(s backend.State) Status {
	switch s {
	case backend.StateCreated:
		return StatusCreated
	case backend.StateRunning:
		return StatusRunning
	case backend.StatePaused:
		return StatusPaused
	case backend.StateStopped:
		return StatusStopped
	default:
		return StatusUnknown
	}
}
