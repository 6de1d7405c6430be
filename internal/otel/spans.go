package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for aegis spans.
var (
	AttrSessionID  = attribute.Key("aegis.session.id")
	AttrTaskID     = attribute.Key("aegis.task.id")
	AttrActionType = attribute.Key("aegis.task.action_type")
	AttrConfidence = attribute.Key("aegis.task.confidence")
	AttrStopReason = attribute.Key("aegis.loop.stop_reason")
	AttrGatePassed = attribute.Key("aegis.gate.approved")
	AttrPhase      = attribute.Key("aegis.sandbox.phase")
	AttrProfile    = attribute.Key("aegis.sandbox.profile")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (container exec,
// registry fetch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
