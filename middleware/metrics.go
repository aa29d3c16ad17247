package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cliu238/vacalibration/runner"
)

const meterName = "github.com/cliu238/vacalibration"

// Metrics returns middleware that records per-run metrics with the global
// MeterProvider.
//
// Instruments:
//   - vacalibration.execution.duration (Float64Histogram, seconds)
//   - vacalibration.execution.count (Int64Counter)
//
// Both carry job_name and status ("ok", "failed" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"vacalibration.execution.duration",
		metric.WithDescription("Duration of execution unit runs in seconds"),
		metric.WithUnit("s"),
	)
	count, _ := meter.Int64Counter(
		"vacalibration.execution.count",
		metric.WithDescription("Total number of execution unit runs"),
		metric.WithUnit("{run}"),
	)

	return func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error) {
		start := time.Now()
		out, err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("job_name", req.Name),
			attribute.String("status", status(out, err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		count.Add(ctx, 1, attrs)
		return out, err
	}
}
