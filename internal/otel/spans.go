package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrAgent         = attribute.Key("council.agent")
	AttrTaskID        = attribute.Key("council.task.id")
	AttrSubTaskID     = attribute.Key("council.subtask.id")
	AttrMessageID     = attribute.Key("council.message.id")
	AttrPriority      = attribute.Key("council.priority")
	AttrStatus        = attribute.Key("council.status")
	AttrAction        = attribute.Key("council.action")
	AttrCategory      = attribute.Key("council.failure.category")
	AttrKnowledgeKind = attribute.Key("council.knowledge.kind")
	AttrModel         = attribute.Key("council.llm.model")
	AttrErrorClass    = attribute.Key("council.llm.error_class")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as a completion request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
