package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys used on agency spans.
var (
	AttrAgentID     = attribute.Key("goagency.agent.id")
	AttrContentID   = attribute.Key("goagency.content.id")
	AttrPlatform    = attribute.Key("goagency.platform")
	AttrOutcome     = attribute.Key("goagency.outcome")
	AttrMessageID   = attribute.Key("goagency.message.id")
	AttrMessageType = attribute.Key("goagency.message.type")
	AttrPeriod      = attribute.Key("goagency.metrics.period")
	AttrAlertType   = attribute.Key("goagency.alert.type")
	AttrSeverity    = attribute.Key("goagency.alert.severity")
	AttrRoute       = attribute.Key("goagency.http.route")
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound platform call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
