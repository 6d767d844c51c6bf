package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	streamKey    string
	recordID     string
	retainOutput bool
	state        State
	createdAt    time.Time
	startedAt    *time.Time
	endedAt      *time.Time
}

// Registry is the authoritative in-memory map of publish sessions keyed by
// stream key. All mutations run under one lock, so the check-then-act on a
// key and its state transitions are serialized; reads work on snapshots and
// never block a publish.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) setClock(now func() time.Time) {
	r.now = now
}

// Begin claims the stream key with a new session in StateAuthorizing. A key
// whose existing session is still non-terminal yields ErrDuplicateSession;
// a lingering terminal entry is replaced.
func (r *Registry) Begin(streamKey, recordID string, retainOutput bool) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[streamKey]; ok && !existing.state.Terminal() {
		return Snapshot{}, ErrDuplicateSession
	}

	e := &entry{
		streamKey:    streamKey,
		recordID:     recordID,
		retainOutput: retainOutput,
		state:        StateAuthorizing,
		createdAt:    r.now(),
	}
	r.sessions[streamKey] = e
	return e.snapshot(), nil
}

// Bind records the resolved record identity and retain policy on a session
// that was begun before authorization completed.
func (r *Registry) Bind(streamKey, recordID string, retainOutput bool) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[streamKey]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	e.recordID = recordID
	e.retainOutput = retainOutput
	return e.snapshot(), nil
}

// Transition moves the session for streamKey into the target state, enforcing
// the per-key ordering Authorizing->Live->Stopping->Ended (or
// Authorizing->Rejected).
func (r *Registry) Transition(streamKey string, to State) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[streamKey]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if !canTransition(e.state, to) {
		return Snapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
	}

	e.state = to
	now := r.now()
	switch to {
	case StateLive:
		ts := now
		e.startedAt = &ts
	case StateEnded, StateRejected:
		ts := now
		e.endedAt = &ts
	}
	return e.snapshot(), nil
}

// Remove drops the session entry. Callers remove only after the offline state
// has been persisted (or the retry budget is spent).
func (r *Registry) Remove(streamKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamKey)
}

// Snapshot returns a copy of the session for streamKey when one exists.
func (r *Registry) Snapshot(streamKey string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[streamKey]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// IsLive reports whether the key currently has a session in StateLive.
func (r *Registry) IsLive(streamKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[streamKey]
	return ok && e.state == StateLive
}

// ListLiveStreamKeys returns the sorted keys of all sessions in StateLive.
func (r *Registry) ListLiveStreamKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.sessions))
	for key, e := range r.sessions {
		if e.state == StateLive {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.sessions {
		if !e.state.Terminal() {
			count++
		}
	}
	return count
}

func (e *entry) snapshot() Snapshot {
	snap := Snapshot{
		StreamKey:    e.streamKey,
		RecordID:     e.recordID,
		RetainOutput: e.retainOutput,
		State:        e.state,
		CreatedAt:    e.createdAt,
	}
	if e.startedAt != nil {
		ts := *e.startedAt
		snap.StartedAt = &ts
	}
	if e.endedAt != nil {
		ts := *e.endedAt
		snap.EndedAt = &ts
	}
	return snap
}
