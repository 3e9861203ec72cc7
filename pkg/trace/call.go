package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span and event names for the call lifecycle. Bring-up covers everything
// between the identifying platform frame and the first pumped frame; the
// per-frame media path is deliberately not spanned.
const (
	SpanCallBringup  = "call.bringup"
	SpanCallResume   = "call.resume"
	SpanCallTeardown = "call.teardown"

	EventCallRegistered    = "call.registered"
	EventUpstreamConnected = "upstream.connected"
	EventCallResumed       = "call.resumed"
)

// StartCallSpan opens the bring-up span for a new call. The returned context
// carries the span into the bridge's run context so later spans parent to
// the call.
func StartCallSpan(ctx context.Context, conversationID, dialect string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanCallBringup,
		trace.WithAttributes(CallAttrs(conversationID, dialect)...))
}

// StartResumeSpan opens the span for re-attaching a parked call to a fresh
// transport.
func StartResumeSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanCallResume,
		trace.WithAttributes(attribute.String(AttrConversationID, conversationID)))
}

// EndCallSpan closes a lifecycle span, recording err when the step failed.
func EndCallSpan(span trace.Span, err error) {
	RecordError(span, err)
	span.End()
}

// CallTeardown emits the teardown span for a finished call. Teardown is
// synchronous bookkeeping, so the span opens and closes on the spot.
func CallTeardown(conversationID, dialect, reason string) {
	_, span := StartSpan(context.Background(), SpanCallTeardown,
		trace.WithAttributes(CallAttrs(conversationID, dialect)...))
	if reason != "" {
		span.SetAttributes(attribute.String(AttrEndReason, reason))
	}
	span.End()
}
