// Package logging carries request scoped loggers through contexts and keeps a
// bounded in-memory tail of recent records for on-device diagnostics.
package logging

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// ContextWithLogger returns a derived context that carries the provided logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts a logger previously attached to the context.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(contextKey{}).(*slog.Logger)
	return logger
}

// New builds the process logger: records go to next and are mirrored into ring.
func New(next slog.Handler, ring *Ring) *slog.Logger {
	if ring == nil {
		return slog.New(next)
	}
	return slog.New(ring.Wrap(next))
}
