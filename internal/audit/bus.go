package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/loom/internal/telemetry"
)

// Filter gates which events reach a sink (spec §4.10: "event-type
// allow/deny, severity floor"). A zero Filter allows everything.
type Filter struct {
	Allow       map[EventType]bool // nil/empty: all types allowed unless denied
	Deny        map[EventType]bool
	MinSeverity Severity
}

func (f Filter) matches(ev Event) bool {
	if ev.Severity < f.MinSeverity {
		return false
	}
	if f.Deny[ev.Type] {
		return false
	}
	if len(f.Allow) > 0 && !f.Allow[ev.Type] {
		return false
	}
	return true
}

// TransientError marks a sink failure as retryable; anything else a Sink
// returns is treated as permanent and dropped without retry (spec §4.10:
// "Ok | Transient(msg) | Permanent(msg)").
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Sink receives filtered events. Publish should return a *TransientError
// for failures worth retrying (network blips, 5xx) and a plain error for
// anything the bus should give up on immediately (malformed payload, 4xx).
type Sink interface {
	Name() string
	Filter() Filter
	Publish(ctx context.Context, ev Event) error
}

const sinkQueueCap = 512

// Bus fans out events to every registered sink's own bounded queue and
// retry worker. Ordering is preserved per sink (spec §4.10: "per-sink
// per-producer"); sinks never block each other or the producer.
type Bus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	workers []*sinkWorker

	wg sync.WaitGroup
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register adds a sink. Call before Start; sinks registered after Start
// won't receive events published before their worker goroutine spins up.
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers = append(b.workers, &sinkWorker{
		sink:   sink,
		queue:  make(chan Event, sinkQueueCap),
		logger: b.logger.With("sink", sink.Name()),
	})
}

// Start spawns one worker goroutine per registered sink.
func (b *Bus) Start(ctx context.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, w := range b.workers {
		b.wg.Add(1)
		go func(w *sinkWorker) {
			defer b.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Close stops accepting new events and waits for workers to drain.
func (b *Bus) Close() {
	b.mu.RLock()
	for _, w := range b.workers {
		close(w.queue)
	}
	b.mu.RUnlock()
	b.wg.Wait()
}

// Publish enriches and fans ev out to every sink whose filter matches.
// Never blocks: a full sink queue drops the oldest queued event for that
// sink and records it on AuditSinkDroppedTotal (spec §4.10).
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, w := range b.workers {
		if !w.sink.Filter().matches(ev) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
			select {
			case <-w.queue:
			default:
			}
			select {
			case w.queue <- ev:
			default:
			}
			telemetry.AuditSinkDroppedTotal.WithLabelValues(w.sink.Name()).Inc()
			w.logger.Warn("audit: sink queue full, dropped oldest event", "event_type", string(ev.Type))
		}
		telemetry.AuditSinkQueueDepth.WithLabelValues(w.sink.Name()).Set(float64(len(w.queue)))
	}
}

// sinkWorker drains one sink's queue in order, retrying transient failures
// with bounded exponential backoff before moving to the next event.
type sinkWorker struct {
	sink   Sink
	queue  chan Event
	logger *slog.Logger
}

func (w *sinkWorker) run(ctx context.Context) {
	for ev := range w.queue {
		telemetry.AuditSinkQueueDepth.WithLabelValues(w.sink.Name()).Set(float64(len(w.queue)))
		w.deliver(ctx, ev)
	}
}

// deliver retries a single event's delivery up to 5 attempts with
// exponential backoff, giving up once 30s have elapsed in total. A permanent error
// (plain, not *TransientError) stops retrying immediately.
func (w *sinkWorker) deliver(ctx context.Context, ev Event) {
	b := backoff.NewExponentialBackOff()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.sink.Publish(ctx, ev)
		if err == nil {
			return struct{}{}, nil
		}
		var transient *TransientError
		if isTransient(err, &transient) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5), backoff.WithMaxElapsedTime(30*time.Second))

	if err != nil {
		w.logger.Error("audit: delivery failed", "event_id", ev.ID, "event_type", string(ev.Type), "error", err)
	}
}

func isTransient(err error, target **TransientError) bool {
	for err != nil {
		if te, ok := err.(*TransientError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
