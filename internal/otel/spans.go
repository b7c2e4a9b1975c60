package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for clawlink spans and metrics.
var (
	AttrMethod     = attribute.Key("clawlink.rpc.method")
	AttrRequestID  = attribute.Key("clawlink.rpc.id")
	AttrErrorKind  = attribute.Key("clawlink.error.kind")
	AttrOutcome    = attribute.Key("clawlink.handshake.outcome")
	AttrDeviceID   = attribute.Key("clawlink.device.id")
	AttrSessionKey = attribute.Key("clawlink.session.key")
	AttrAttempt    = attribute.Key("clawlink.connection.attempt")
	AttrClientID   = attribute.Key("clawlink.client.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound gateway request.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
