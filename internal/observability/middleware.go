package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchSpan wraps one dispatch attempt (BeginSend through EndSend) in a
// span, the dispatch-path analogue of the teacher's per-request HTTP
// middleware span: one span per unit of work, tagged with the target's
// identity, closed when the work concludes.
func DispatchSpan(ctx context.Context, queue, messageID, consumerID string) (context.Context, trace.Span) {
	if !Enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer().Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("hmq.queue", queue),
			attribute.String("hmq.message_id", messageID),
			attribute.String("hmq.consumer_id", consumerID),
		),
	)
}

// EndDispatchSpan closes a DispatchSpan, marking it as an error when the
// dispatch attempt did not succeed.
func EndDispatchSpan(span trace.Span, ok bool, reason string) {
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}

// ResolutionSpan wraps one delivery-tracker resolution (acknowledge,
// response, or timeout) in a span, so S2's request/response correlation
// and ack-timeout diagnostics show up as a single traced operation.
func ResolutionSpan(ctx context.Context, queue, messageID, outcome string) (context.Context, trace.Span) {
	if !Enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer().Start(ctx, "tracker.resolve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("hmq.queue", queue),
			attribute.String("hmq.message_id", messageID),
			attribute.String("hmq.outcome", outcome),
		),
	)
}
