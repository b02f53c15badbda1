package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Taskforge spans.
var (
	AttrTaskID    = attribute.Key("taskforge.task.id")
	AttrTaskType  = attribute.Key("taskforge.task.type")
	AttrOrigin    = attribute.Key("taskforge.task.origin")
	AttrPriority  = attribute.Key("taskforge.task.priority")
	AttrSizeClass = attribute.Key("taskforge.task.size_class")
	AttrAttempt   = attribute.Key("taskforge.task.attempt")
	AttrWorkerID  = attribute.Key("taskforge.worker.id")
	AttrIntentID  = attribute.Key("taskforge.intent.id")
	AttrRoute     = attribute.Key("taskforge.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (learning feedback, alert push).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
