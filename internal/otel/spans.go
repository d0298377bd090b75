package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for client spans and metrics.
var (
	AttrEntity     = attribute.Key("tracker.entity")
	AttrOperation  = attribute.Key("tracker.op")
	AttrScope      = attribute.Key("tracker.scope")
	AttrOutcome    = attribute.Key("tracker.outcome")
	AttrErrorKind  = attribute.Key("tracker.error.kind")
	AttrHTTPStatus = attribute.Key("http.status_code")
	AttrHTTPMethod = attribute.Key("http.method")
	AttrRequestID  = attribute.Key("tracker.request_id")
	AttrState      = attribute.Key("tracker.session.state")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound backend call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
