package events

import (
	"log/slog"
	"sync"
	"time"
)

const subscriberBuffer = 64

// Publisher is the producer-side interface the orchestrator depends on.
type Publisher interface {
	Publish(ev Event)
}

// Bus is an in-process fan-out of pipeline events. Subscribers select either
// one session or the whole stream. Publishing never blocks: a subscriber that
// falls behind its buffer misses events, which is acceptable because the
// authoritative state lives in the store.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	logger *slog.Logger
}

type subscription struct {
	sessionID string // empty = all sessions
	ch        chan Event
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers for events of one session, or all sessions when
// sessionID is empty. The returned cancel func must be called to release the
// subscription; afterwards the channel is closed.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{sessionID: sessionID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to all matching subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"type", ev.Type, "session_id", ev.SessionID)
		}
	}
}
