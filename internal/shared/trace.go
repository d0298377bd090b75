package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type componentKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return ctx, v
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithComponent tags the context with the component issuing a request.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Component extracts the component tag. Returns "" if absent.
func Component(ctx context.Context) string {
	if v, ok := ctx.Value(componentKey{}).(string); ok {
		return v
	}
	return ""
}
