package transport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "logtail/transport"
)

// startSpan creates a new span for one collector exchange
func startSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, operationName)

	span.SetAttributes(
		semconv.ServiceNameKey.String("logtail"),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// endSpan records the outcome on span and ends it
func endSpan(span trace.Span, out Outcome) {
	span.SetAttributes(
		attribute.Int64("transfer.bytes", out.Bytes),
		attribute.Int("transfer.lines", out.Lines),
		attribute.Int("transfer.skipped", out.Skipped),
		attribute.Bool("transfer.capped", out.Capped),
	)
	if out.Kind == Failed && out.Reason != nil {
		span.RecordError(out.Reason)
		span.SetStatus(codes.Error, fmt.Sprintf("transfer failed: %v", out.Reason))
	} else {
		span.SetStatus(codes.Ok, out.Kind.String())
	}
	span.End()
}
