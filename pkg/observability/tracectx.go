package observability

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// NewTraceID mints a fresh correlation id.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// EnsureTraceID returns ctx with a trace id, minting one when absent.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id := TraceID(ctx); id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}
