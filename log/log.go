// Package log wires structured logging for the engine: a context-carried
// logger plus handler setup shared by the binary and the tests.
package log

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxLoggerKey struct{}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Options configures Setup.
type Options struct {
	Level  slog.Level
	JSON   bool
	Groups []string // when non-empty, only these slog groups are emitted
}

// Setup builds the process logger writing to w.
func Setup(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	handler = NewGroupFilter(handler, opts.Groups)
	return slog.New(handler)
}

// GroupFilter drops records that were not logged under one of the allowed
// slog groups. Useful when chasing one subsystem in a noisy process.
type GroupFilter struct {
	next    slog.Handler
	allowed map[string]struct{}
	groups  []string
}

// NewGroupFilter wraps next; with no allowed groups next is returned as is.
func NewGroupFilter(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, group := range allowedGroups {
		if trimmed := strings.TrimSpace(strings.ToLower(group)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilter{next: next, allowed: allowed}
}

func (h *GroupFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilter) Handle(ctx context.Context, record slog.Record) error {
	for _, grp := range h.groups {
		if _, ok := h.allowed[grp]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *GroupFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilter{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		groups:  append([]string{}, h.groups...),
	}
}

func (h *GroupFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &GroupFilter{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		groups:  append(append([]string{}, h.groups...), strings.ToLower(name)),
	}
}
