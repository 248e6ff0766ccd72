package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	name   string
	filter Filter

	mu       sync.Mutex
	received []Event
	failN    int // fail the first failN calls with a transient error
}

func (s *recordingSink) Name() string  { return s.name }
func (s *recordingSink) Filter() Filter { return s.filter }

func (s *recordingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return &TransientError{Err: errors.New("not yet")}
	}
	s.received = append(s.received, ev)
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.received))
	copy(out, s.received)
	return out
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBusDeliversToMatchingSinkOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	matching := &recordingSink{name: "matching"}
	excluded := &recordingSink{name: "excluded", filter: Filter{Allow: map[EventType]bool{EventSecretAccessed: true}}}

	bus := NewBus(nil)
	bus.Register(matching)
	bus.Register(excluded)
	bus.Start(ctx)
	defer bus.Close()

	bus.Publish(Event{Type: EventWeaverCreated, Action: "create"})

	waitFor(t, func() bool { return len(matching.events()) == 1 })
	if len(excluded.events()) != 0 {
		t.Fatalf("filtered sink should not have received the event, got %d", len(excluded.events()))
	}
}

func TestBusRetriesTransientFailureUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{name: "flaky", failN: 2}
	bus := NewBus(nil)
	bus.Register(sink)
	bus.Start(ctx)
	defer bus.Close()

	bus.Publish(Event{Type: EventWeaverCreated})

	waitFor(t, func() bool { return len(sink.events()) == 1 })
}

func TestBusAssignsIDAndTimestampWhenUnset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{name: "sink"}
	bus := NewBus(nil)
	bus.Register(sink)
	bus.Start(ctx)
	defer bus.Close()

	bus.Publish(Event{Type: EventSessionCreated})

	waitFor(t, func() bool { return len(sink.events()) == 1 })
	got := sink.events()[0]
	if got.ID == "" {
		t.Fatal("expected a generated event id")
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected a generated timestamp")
	}
}
