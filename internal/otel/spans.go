package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for sandq spans.
var (
	AttrTaskID       = attribute.Key("sandq.task.id")
	AttrTaskStatus   = attribute.Key("sandq.task.status")
	AttrCategory     = attribute.Key("sandq.task.category")
	AttrErrorAction  = attribute.Key("sandq.error.action")
	AttrOwner        = attribute.Key("sandq.task.owner")
	AttrBackend      = attribute.Key("sandq.db.backend")
	AttrSchemaHead   = attribute.Key("sandq.schema.head")
	AttrRevisionFrom = attribute.Key("sandq.migration.from")
	AttrRevisionTo   = attribute.Key("sandq.migration.to")
	AttrRevision     = attribute.Key("sandq.migration.revision")
	AttrDirection    = attribute.Key("sandq.migration.direction")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for a call out to the database or an analyzer.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing. Callers default to it
// when no provider is configured.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
