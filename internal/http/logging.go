package http

import (
	"context"
	"log/slog"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	return attendance.DefaultLogger(logger)
}

// handlerLogger tags the request logger with the handler name. Requests served
// without RequestLogger still carry their id when one is on the context.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	if logging.FromContext(ctx) == nil {
		if id, ok := RequestIDFromContext(ctx); ok {
			attrs = append([]any{"request_id", id}, attrs...)
		}
	}
	return attendance.ComponentLogger(ctx, fallback, handlerName, operation, attrs...)
}
