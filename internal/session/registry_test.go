package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBeginRejectsDuplicateActiveSession(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := reg.Begin("key-1", "rec-1", false); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	// A different key is unaffected.
	if _, err := reg.Begin("key-2", "rec-2", false); err != nil {
		t.Fatalf("begin second key: %v", err)
	}
}

func TestBeginReplacesTerminalSession(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := reg.Transition("key-1", StateRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	snap, err := reg.Begin("key-1", "rec-1", true)
	if err != nil {
		t.Fatalf("expected terminal entry to be replaced, got %v", err)
	}
	if snap.State != StateAuthorizing {
		t.Fatalf("expected fresh session in authorizing, got %s", snap.State)
	}
}

func TestTransitionOrdering(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Live before authorizing completes the happy path; skipping states fails.
	if _, err := reg.Transition("key-1", StateStopping); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition authorizing->stopping, got %v", err)
	}
	if _, err := reg.Transition("key-1", StateEnded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition authorizing->ended, got %v", err)
	}

	for _, to := range []State{StateLive, StateStopping, StateEnded} {
		if _, err := reg.Transition("key-1", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// Ended is terminal.
	if _, err := reg.Transition("key-1", StateLive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to refuse transitions, got %v", err)
	}
}

func TestRejectedOnlyFromAuthorizing(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := reg.Transition("key-1", StateLive); err != nil {
		t.Fatalf("go live: %v", err)
	}
	if _, err := reg.Transition("key-1", StateRejected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected live->rejected to be forbidden, got %v", err)
	}
}

func TestTransitionStampsTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.setClock(func() time.Time { return now })

	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	live, err := reg.Transition("key-1", StateLive)
	if err != nil {
		t.Fatalf("go live: %v", err)
	}
	if live.StartedAt == nil || !live.StartedAt.Equal(now) {
		t.Fatalf("expected StartedAt %s, got %v", now, live.StartedAt)
	}

	if _, err := reg.Transition("key-1", StateStopping); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ended, err := reg.Transition("key-1", StateEnded)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.EndedAt == nil || !ended.EndedAt.Equal(now) {
		t.Fatalf("expected EndedAt %s, got %v", now, ended.EndedAt)
	}
}

func TestConcurrentBeginAdmitsExactlyOne(t *testing.T) {
	reg := NewRegistry()

	const publishers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	duplicates := 0

	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Begin("contested-key", "rec-1", false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDuplicateSession):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected exactly one accepted publish, got %d", accepted)
	}
	if duplicates != publishers-1 {
		t.Fatalf("expected %d duplicate rejections, got %d", publishers-1, duplicates)
	}
}

func TestListLiveStreamKeys(t *testing.T) {
	reg := NewRegistry()

	for _, key := range []string{"b-key", "a-key", "c-key"} {
		if _, err := reg.Begin(key, "rec-"+key, false); err != nil {
			t.Fatalf("begin %s: %v", key, err)
		}
	}
	for _, key := range []string{"b-key", "a-key"} {
		if _, err := reg.Transition(key, StateLive); err != nil {
			t.Fatalf("go live %s: %v", key, err)
		}
	}

	keys := reg.ListLiveStreamKeys()
	if len(keys) != 2 || keys[0] != "a-key" || keys[1] != "b-key" {
		t.Fatalf("expected sorted live keys [a-key b-key], got %v", keys)
	}

	if !reg.IsLive("a-key") {
		t.Fatalf("expected a-key to be live")
	}
	if reg.IsLive("c-key") {
		t.Fatalf("expected c-key to still be authorizing")
	}
	if got := reg.ActiveCount(); got != 3 {
		t.Fatalf("expected 3 active sessions, got %d", got)
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	reg.Remove("key-1")
	if _, ok := reg.Snapshot("key-1"); ok {
		t.Fatalf("expected entry to be removed")
	}
	if _, err := reg.Begin("key-1", "rec-1", false); err != nil {
		t.Fatalf("expected key to be claimable after removal, got %v", err)
	}
}
