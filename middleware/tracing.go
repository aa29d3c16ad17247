package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cliu238/vacalibration/runner"
)

const tracerName = "github.com/cliu238/vacalibration"

// Tracing returns middleware that wraps every run in a span from the global
// TracerProvider. Without a configured provider it is a pass-through.
//
// Span attributes: vacalibration.job.id, vacalibration.job.name and
// vacalibration.job.timeout_s. A reported failure sets the span status to
// Error with the unit's message.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error) {
		ctx, span := tracer.Start(ctx, "vacalibration.job.execute",
			trace.WithAttributes(
				attribute.String("vacalibration.job.id", req.JobID.String()),
				attribute.String("vacalibration.job.name", req.Name),
				attribute.Float64("vacalibration.job.timeout_s", req.Timeout.Seconds()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		out, err := next(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case out.Failed():
			span.SetAttributes(attribute.String("vacalibration.error.kind", string(out.Err.Kind)))
			span.SetStatus(codes.Error, out.Err.Message)
		default:
			span.SetStatus(codes.Ok, "")
		}
		return out, err
	}
}
