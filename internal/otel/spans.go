package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for queue spans.
var (
	AttrTaskName   = attribute.Key("paperq.task.name")
	AttrQueueState = attribute.Key("paperq.queue.state")
	AttrInstanceID = attribute.Key("paperq.instance.id")
	AttrForced     = attribute.Key("paperq.forced")
	AttrClaimCount = attribute.Key("paperq.claim.count")
	AttrExitCode   = attribute.Key("paperq.converter.exit_code")
)

// StartClaimSpan starts a span covering one claim attempt (pre-sweep,
// scan, rename arbitration).
func StartClaimSpan(ctx context.Context, tracer trace.Tracer, instanceID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "queue.claim",
		trace.WithAttributes(AttrInstanceID.String(instanceID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordClaimResult closes out a claim span with its outcome.
func RecordClaimResult(span trace.Span, claimed int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(AttrClaimCount.Int(claimed))
	span.SetStatus(codes.Ok, "")
}

// StartTaskSpan starts a span covering one task's execution, from claim
// hand-off to terminal state.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, task, instanceID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "queue.task",
		trace.WithAttributes(
			AttrTaskName.String(task),
			AttrInstanceID.String(instanceID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartSpan starts an internal span with common attributes. Used by the
// one-shot lifecycle commands.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
