package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/openfroyo/epicflow/pkg/engine"

// startSpan starts a span on the globally registered tracer provider.
// telemetry.NewTracer installs the provider; without it spans are no-ops.
func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, op, trace.WithAttributes(attrs...))
}

// endSpan records err on the span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := ErrorCode(err); code != "" {
			span.SetAttributes(attribute.String("error.code", code))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
