package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/twino-framework/twino-mq/internal/message"
)

// TraceParentHeader and TraceStateHeader are the well-known message
// headers carrying W3C trace context across a hop, the wire-level
// replacement for HTTP's traceparent/tracestate headers.
const (
	TraceParentHeader = "Trace-Parent"
	TraceStateHeader  = "Trace-State"
)

// TraceContext holds W3C trace context fields for propagation over HMQ
// message headers (request/response correlation for S2, and router hops).
type TraceContext struct {
	TraceParent string
	TraceState  string
}

// ExtractTraceContext extracts trace context from a context for injection
// into outgoing message headers.
func ExtractTraceContext(ctx context.Context) TraceContext {
	if !Enabled() {
		return TraceContext{}
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return TraceContext{
		TraceParent: carrier.Get("traceparent"),
		TraceState:  carrier.Get("tracestate"),
	}
}

// InjectTraceContext merges trace context from TraceContext into a context.
func InjectTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if tc.TraceParent == "" {
		return ctx
	}

	carrier := propagation.MapCarrier{
		"traceparent": tc.TraceParent,
		"tracestate":  tc.TraceState,
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// StampMessage writes the current trace context onto m's headers, so a
// consumer's response frame (or a routed hop) can continue the same trace.
func StampMessage(ctx context.Context, m *message.Message) {
	tc := ExtractTraceContext(ctx)
	if tc.TraceParent == "" {
		return
	}
	m.AddHeader(TraceParentHeader, tc.TraceParent)
	if tc.TraceState != "" {
		m.AddHeader(TraceStateHeader, tc.TraceState)
	}
}

// ContextFromMessage resumes the trace context carried in m's headers, if
// any, continuing it from ctx.
func ContextFromMessage(ctx context.Context, m *message.Message) context.Context {
	tp, ok := m.Header(TraceParentHeader)
	if !ok {
		return ctx
	}
	ts, _ := m.Header(TraceStateHeader)
	return InjectTraceContext(ctx, TraceContext{TraceParent: tp, TraceState: ts})
}

// GetTraceID returns the trace ID from context as a string
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the span ID from context as a string
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasSpanID() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
