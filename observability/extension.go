package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/ext"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

const meterName = "github.com/cliu238/vacalibration/observability"

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobCreated    = (*MetricsExtension)(nil)
	_ ext.JobDispatched = (*MetricsExtension)(nil)
	_ ext.JobCacheHit   = (*MetricsExtension)(nil)
	_ ext.JobStarted    = (*MetricsExtension)(nil)
	_ ext.JobCompleted  = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobCancelled  = (*MetricsExtension)(nil)
	_ ext.JobTimedOut   = (*MetricsExtension)(nil)
	_ ext.JobRetried    = (*MetricsExtension)(nil)
	_ ext.BatchCreated  = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics with an OTel
// meter. Register it as an extension to track creation and dispatch
// rates, cache hits, completions, failures by kind, cancellations,
// timeouts, retries and batches.
//
// Every job counter carries a job_name attribute; vacalibration.job.failed
// also carries error_kind.
type MetricsExtension struct {
	JobCreated    metric.Int64Counter
	JobDispatched metric.Int64Counter
	JobCacheHit   metric.Int64Counter
	JobStarted    metric.Int64Counter
	JobCompleted  metric.Int64Counter
	JobFailed     metric.Int64Counter
	JobCancelled  metric.Int64Counter
	JobTimedOut   metric.Int64Counter
	JobRetried    metric.Int64Counter
	BatchCreated  metric.Int64Counter
	JobDuration   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// The OTel API hands back noop instruments alongside any error.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	duration, _ := meter.Float64Histogram(
		"vacalibration.job.duration",
		metric.WithDescription("Wall time from start to completion of successful jobs"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		JobCreated:    counter("vacalibration.job.created", "Jobs created"),
		JobDispatched: counter("vacalibration.job.dispatched", "Jobs handed to the dispatch queue"),
		JobCacheHit:   counter("vacalibration.job.cache_hit", "Jobs completed from the result cache"),
		JobStarted:    counter("vacalibration.job.started", "Jobs whose execution unit started"),
		JobCompleted:  counter("vacalibration.job.completed", "Jobs completed with a result"),
		JobFailed:     counter("vacalibration.job.failed", "Jobs that failed"),
		JobCancelled:  counter("vacalibration.job.cancelled", "Jobs cancelled by users"),
		JobTimedOut:   counter("vacalibration.job.timed_out", "Jobs timed out by the reaper"),
		JobRetried:    counter("vacalibration.job.retried", "Retry jobs created"),
		BatchCreated:  counter("vacalibration.batch.created", "Batches created"),
		JobDuration:   duration,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job, extra ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String("job_name", j.Name)}, extra...)...)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobCreated implements ext.JobCreated.
func (m *MetricsExtension) OnJobCreated(ctx context.Context, j *job.Job) error {
	m.JobCreated.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobDispatched implements ext.JobDispatched.
func (m *MetricsExtension) OnJobDispatched(ctx context.Context, j *job.Job, _ id.HandleID) error {
	m.JobDispatched.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCacheHit implements ext.JobCacheHit.
func (m *MetricsExtension) OnJobCacheHit(ctx context.Context, j *job.Job) error {
	m.JobCacheHit.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.JobStarted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.JobCompleted.Add(ctx, 1, jobAttrs(j))
	if j.Cache == nil {
		m.JobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job_name", j.Name)))
	}
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	kind := string(job.ErrorException)
	if j.Error != nil {
		kind = string(j.Error.Kind)
	}
	m.JobFailed.Add(ctx, 1, jobAttrs(j, attribute.String("error_kind", kind)))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.JobCancelled.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobTimedOut implements ext.JobTimedOut.
func (m *MetricsExtension) OnJobTimedOut(ctx context.Context, j *job.Job) error {
	m.JobTimedOut.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetried implements ext.JobRetried.
func (m *MetricsExtension) OnJobRetried(ctx context.Context, _, retry *job.Job) error {
	m.JobRetried.Add(ctx, 1, jobAttrs(retry))
	return nil
}

// ── Batch lifecycle hooks ───────────────────────────

// OnBatchCreated implements ext.BatchCreated.
func (m *MetricsExtension) OnBatchCreated(ctx context.Context, _ *batch.Batch) error {
	m.BatchCreated.Add(ctx, 1)
	return nil
}
