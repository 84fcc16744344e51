// Package sandbox owns the sandbox lifecycle: the state machine, the
// controller that drives provider adapters, and lease bookkeeping.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
	StateDeleted  State = "deleted"
	StateFailed   State = "failed"
)

// ErrNotFound is returned when a sandbox ID is unknown.
var ErrNotFound = errors.New("sandbox not found")

// StateTransitionError rejects an operation that is illegal in the
// sandbox's current state.
type StateTransitionError struct {
	SandboxID string
	From      State
	Op        string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("sandbox %s: cannot %s while %s", e.SandboxID, e.Op, e.From)
}

// transitions is the legal state machine. Deleted is terminal; Failed
// only allows deletion.
var transitions = map[State][]State{
	StateCreating: {StateRunning, StateFailed},
	StateRunning:  {StatePaused, StateStopped, StateDeleted, StateFailed},
	StatePaused:   {StateRunning, StateStopped, StateDeleted, StateFailed},
	StateStopped:  {StateDeleted},
	StateFailed:   {StateDeleted},
	StateDeleted:  {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Sandbox is one remote execution environment tracked by the controller.
// The ID is locally generated; ProviderID is the remote handle, which
// keeps identity stable across Connect/Create fallback.
type Sandbox struct {
	ID             string
	SessionID      string
	Provider       string
	ProviderID     string
	State          State
	WorkDir        string
	LeaseToken     string // Matches the token on the armed lease task.
	CreatedAt      time.Time
	LeaseExpiresAt time.Time
	LastError      string
	ExposedURLs    map[int]string // port → public URL
}

// Active reports whether the sandbox can still serve a session.
func (s *Sandbox) Active() bool {
	switch s.State {
	case StateCreating, StateRunning, StatePaused:
		return true
	default:
		return false
	}
}
