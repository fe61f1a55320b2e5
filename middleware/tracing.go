package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// tracerName is the instrumentation scope name for conveyor tracing.
const tracerName = "github.com/ShantanuRaghuwanshi/conveyor"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: conveyor.job.id, conveyor.job.name,
// conveyor.job.priority, conveyor.job.retry_count, and, for automatic
// retries, conveyor.job.origin_id. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("conveyor.job.id", j.ID.String()),
			attribute.String("conveyor.job.name", j.Name),
			attribute.String("conveyor.job.priority", j.Priority.String()),
			attribute.Int("conveyor.job.retry_count", j.RetryCount),
		}
		if !j.OriginJobID.IsNil() {
			attrs = append(attrs, attribute.String("conveyor.job.origin_id", j.OriginJobID.String()))
		}

		ctx, span := tracer.Start(ctx, "conveyor.job.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
