// Package logger wires log/slog for the bot and lets callers carry attributes
// in a context so every record logged within that scope is tagged with them.
package logger

import (
	"context"
	"io"
	"log/slog"
)

type contextKey struct{}

var attrKey = contextKey{}

// ContextHandler decorates a [slog.Handler] with the attributes stored in the
// record's context by [Ctx].
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs, ok := ctx.Value(attrKey).([]slog.Attr); ok {
		record.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, record)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// Ctx returns a copy of ctx carrying toAppend in addition to any attributes
// already attached by an outer scope.
func Ctx(ctx context.Context, toAppend ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrKey).([]slog.Attr)
	attrs := make([]slog.Attr, 0, len(prev)+len(toAppend))
	attrs = append(attrs, prev...)
	attrs = append(attrs, toAppend...)
	return context.WithValue(ctx, attrKey, attrs)
}

// New builds the process logger. format is "json" or "text"; anything else
// falls back to json.
func New(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewContextHandler(h))
}
