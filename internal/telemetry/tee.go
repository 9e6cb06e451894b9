package telemetry

import (
	"context"
	"log/slog"
)

// teeHandler fans records out to a console handler and a file handler.
// Enabled if either side is enabled; errors from one side don't stop the other.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.console.Enabled(ctx, level) || t.file.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	if t.console.Enabled(ctx, r.Level) {
		firstErr = t.console.Handle(ctx, r.Clone())
	}
	if t.file.Enabled(ctx, r.Level) {
		if err := t.file.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{console: t.console.WithAttrs(attrs), file: t.file.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{console: t.console.WithGroup(name), file: t.file.WithGroup(name)}
}
