package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "relay"

// StartHandoffSpan starts a span for a coordinator or receiver operation on
// one handoff.
func StartHandoffSpan(ctx context.Context, op, handoffID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handoff."+op,
		trace.WithAttributes(
			attribute.String("handoff.id", handoffID),
		),
	)
}

// StartNegotiationSpan starts a span for sizing and negotiating a contract.
func StartNegotiationSpan(ctx context.Context, from, to string, exports int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "negotiate",
		trace.WithAttributes(
			attribute.String("handoff.from", from),
			attribute.String("handoff.to", to),
			attribute.Int("contract.exports", exports),
		),
	)
}

// StartMergeSpan starts a span for a structural merge into one document.
func StartMergeSpan(ctx context.Context, path string, fragments int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "merge",
		trace.WithAttributes(
			attribute.String("document.path", path),
			attribute.Int("merge.fragments", fragments),
		),
	)
}
