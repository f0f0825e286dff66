package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is the boundary the reconciliation engine emits through. A Trigger
// call delivers one event to the surrounding framework; implementations must
// not retry on their own.
type Bus interface {
	Trigger(ctx context.Context, ev Event)
}

// LogBus writes every event to a structured logger. It is the default bus in
// the binary when no strategy layer is attached.
type LogBus struct {
	logger *slog.Logger
}

func NewLogBus(logger *slog.Logger) *LogBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{logger: logger.WithGroup("events")}
}

func (b *LogBus) Trigger(ctx context.Context, ev Event) {
	b.logger.InfoContext(ctx, "event",
		slog.String("kind", string(ev.EventKind())),
		slog.Time("at", ev.EventTime()),
		slog.Any("payload", ev))
}

// Recorder captures events in order; used by tests and by the status API to
// expose a recent-events window.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder returns a Recorder keeping at most limit events (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Trigger(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the captured events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns just the kinds of the captured events, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.EventKind()
	}
	return kinds
}

// Reset drops all captured events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Tee fans a single Trigger out to several buses in order.
type Tee []Bus

func (t Tee) Trigger(ctx context.Context, ev Event) {
	for _, b := range t {
		if b != nil {
			b.Trigger(ctx, ev)
		}
	}
}
