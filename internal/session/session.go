package session

import (
	"errors"
	"time"
)

// State enumerates the lifecycle states of a publish session.
type State string

const (
	// StateAuthorizing is the initial state while the stream key is checked.
	StateAuthorizing State = "authorizing"
	// StateLive means the session is accepted and frames are flowing.
	StateLive State = "live"
	// StateStopping means teardown has begun but resources still exist.
	StateStopping State = "stopping"
	// StateEnded is terminal; all resources are released.
	StateEnded State = "ended"
	// StateRejected is terminal; the session never went live.
	StateRejected State = "rejected"
)

var (
	// ErrDuplicateSession is returned when a key already has an active session.
	ErrDuplicateSession = errors.New("stream key already has an active session")
	// ErrSessionNotFound is returned when no session exists for the key.
	ErrSessionNotFound = errors.New("no session for stream key")
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

var validTransitions = map[State][]State{
	StateAuthorizing: {StateLive, StateRejected},
	StateLive:        {StateStopping},
	StateStopping:    {StateEnded},
}

// canTransition reports whether the state machine permits from -> to.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

// Snapshot is a point-in-time copy of a session, safe to hand to readers
// without holding the registry lock.
type Snapshot struct {
	StreamKey    string
	RecordID     string
	RetainOutput bool
	State        State
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
}
