package http

import "context"

type contextKey string

const requestIDContextKey contextKey = "request_id"

// ContextWithRequestID returns a derived context carrying the request identifier.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext extracts the identifier assigned by RequestLogger.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDContextKey).(string)
	return id, ok
}
