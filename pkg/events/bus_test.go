package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBusDeliversToSessionSubscriber(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	bus.Publish(Event{Type: TypePhaseStarted, SessionID: "sess-1", Payload: PhaseStarted{Phase: 1}})

	select {
	case ev := <-ch:
		assert.Equal(t, TypePhaseStarted, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusFiltersOtherSessions(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	bus.Publish(Event{Type: TypePhaseStarted, SessionID: "sess-2"})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusWildcardSubscriber(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe("")
	defer cancel()

	bus.Publish(Event{Type: TypeSessionCompleted, SessionID: "a"})
	bus.Publish(Event{Type: TypeSessionFailed, SessionID: "b"})

	first := <-ch
	second := <-ch
	assert.Equal(t, TypeSessionCompleted, first.Type)
	assert.Equal(t, TypeSessionFailed, second.Type)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe("sess-1")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe("sess-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: TypePhaseStarted, SessionID: "sess-1"})
	}

	// Exactly the buffered events are readable; publishing never blocked.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			require.Equal(t, subscriberBuffer, received)
			return
		}
	}
}
