package attendance

import (
	"context"
	"log/slog"

	"github.com/example/attendance-verifier/internal/logging"
)

// DefaultLogger returns logger, or slog.Default when nil.
func DefaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// ComponentLogger prefers the request scoped logger from ctx and tags it with
// the component and operation names.
func ComponentLogger(ctx context.Context, base *slog.Logger, component, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = base
	}
	if logger == nil {
		logger = slog.Default()
	}

	pairs := []any{"component", component}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	if len(attrs) > 0 {
		pairs = append(pairs, attrs...)
	}
	return logger.With(pairs...)
}
