package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventTracer creates spans around event dispatch and scheduled task runs.
type EventTracer struct {
	tracer trace.Tracer
}

// NewEventTracer creates an EventTracer. If tracer is nil, the global
// tracer provider is used at span creation time.
func NewEventTracer(tracer trace.Tracer) *EventTracer {
	return &EventTracer{tracer: tracer}
}

func (t *EventTracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.GetTracerProvider().Tracer("billing-webhooks")
	}
	return t.tracer
}

// StartDispatch begins a span for handling one provider event.
func (t *EventTracer) StartDispatch(ctx context.Context, eventID, eventType string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "webhook.dispatch "+eventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("billing.event.id", eventID),
			attribute.String("billing.event.type", eventType),
		),
	)
}

// StartTask begins a span for one scheduled task execution.
func (t *EventTracer) StartTask(ctx context.Context, taskID, kind string, attempt int) (context.Context, trace.Span) {
	return t.get().Start(ctx, "scheduler.task "+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("billing.task.id", taskID),
			attribute.String("billing.task.kind", kind),
			attribute.Int("billing.task.attempt", attempt),
		),
	)
}

// End closes span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
