package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and measurements
var (
	AttrTaskID    = attribute.Key("pyexec.task.id")
	AttrTaskKind  = attribute.Key("pyexec.task.kind")
	AttrSessionID = attribute.Key("pyexec.session.id")
	AttrState     = attribute.Key("pyexec.task.state")
	AttrReason    = attribute.Key("pyexec.task.reason")
)

// StartSpan starts an internal span with attrs
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
