package log

import "context"

// ContextKey type for context keys
type ContextKey string

// RequestIDContextKey carries the correlation id sent with outbound requests
const RequestIDContextKey ContextKey = "request_id"

// WithRequestID stores a request id in ctx. The outbound transport sends it
// instead of minting a new one, so every call made for one command shares
// an id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDContextKey, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDContextKey).(string)
	return id, ok && id != ""
}
