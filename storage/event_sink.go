package storage

import (
	"context"
	"log/slog"

	"github.com/reefline/reefline/events"
)

// EventSink writes emitted events into the event log. Persistence failures
// are logged and dropped; the sink must never retry, so a write failure
// costs history, not correctness.
type EventSink struct {
	store  *Storage
	logger *slog.Logger
}

func NewEventSink(store *Storage, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{store: store, logger: logger.WithGroup("event-sink")}
}

func (s *EventSink) Trigger(ctx context.Context, ev events.Event) {
	if err := s.store.RecordEvent(ctx, string(ev.EventKind()), ev.EventTime(), ev); err != nil {
		s.logger.WarnContext(ctx, "failed to persist event",
			slog.String("kind", string(ev.EventKind())),
			slog.Any("error", err))
	}
}
