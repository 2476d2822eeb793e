package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDCtxKey contextKey = "correlation_id"
	requestIDCtxKey     contextKey = "request_id"
)

// Attribute keys shared between the context helpers and the logger.
const (
	CorrelationIDKey = "correlation_id"
	RequestIDKey     = "request_id"
)

// WithCorrelationID returns a context carrying the correlation ID,
// minting a fresh UUID when id is empty. The correlation ID follows one
// piece of work across boundaries: the API hands it to the enroll
// command, which stamps it onto the outbox events it writes.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDCtxKey, id)
}

// CorrelationIDFromContext returns the correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDCtxKey).(string)
	return id
}

// WithRequestID returns a context carrying the request ID, minting a
// fresh UUID when id is empty. Request IDs are scoped to one HTTP
// request or CLI invocation.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// NewRequestContext stamps ctx with a fresh request ID and a
// correlation ID, inheriting parentCorrelationID when given.
func NewRequestContext(ctx context.Context, parentCorrelationID string) context.Context {
	ctx = WithRequestID(ctx, "")
	return WithCorrelationID(ctx, parentCorrelationID)
}
