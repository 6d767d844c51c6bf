package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType enumerates the lifecycle events flowing between the ingest
// gateway and the transcode supervisor.
type EventType string

const (
	// EventSessionAuthorized announces a session that just went live.
	EventSessionAuthorized EventType = "session_authorized"
	// EventSessionEnded announces that teardown for a session has begun.
	EventSessionEnded EventType = "session_ended"
)

// EndReason classifies why a session ended.
type EndReason string

const (
	// EndReasonPublisherStopped covers clean disconnects and unpublish.
	EndReasonPublisherStopped EndReason = "publisher_stopped"
	// EndReasonSubprocessCrashed covers unexpected transcoder exits.
	EndReasonSubprocessCrashed EndReason = "subprocess_crashed"
	// EndReasonManual covers operator-initiated stream ends via the API.
	EndReasonManual EndReason = "manual"
)

// Event is the payload published on the lifecycle bus.
type Event struct {
	Type         EventType `json:"type"`
	StreamKey    string    `json:"streamKey"`
	RecordID     string    `json:"recordId"`
	RetainOutput bool      `json:"retainOutput"`
	Reason       EndReason `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Bus fans lifecycle events out to interested subscribers. The implementation
// is intentionally minimal; in-process delivery is all the supervisor needs.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryBus initialises an in-memory fan-out bus.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the publish path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
