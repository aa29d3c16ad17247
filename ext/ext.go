// Package ext defines the extension system for the orchestrator.
// Extensions are notified of job and batch lifecycle events and can react
// to them with metrics, audit logs or webhooks.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobCreated is called after a job record is first written.
type JobCreated interface {
	OnJobCreated(ctx context.Context, j *job.Job) error
}

// JobDispatched is called after a job's execution unit is queued.
type JobDispatched interface {
	OnJobDispatched(ctx context.Context, j *job.Job, handleID id.HandleID) error
}

// JobCacheHit is called when a job is completed from the result cache
// without being dispatched.
type JobCacheHit interface {
	OnJobCacheHit(ctx context.Context, j *job.Job) error
}

// JobStarted is called when an execution unit confirms it started.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes with a result.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called after a user cancels a job.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobTimedOut is called when the reaper times a job out.
type JobTimedOut interface {
	OnJobTimedOut(ctx context.Context, j *job.Job) error
}

// JobRetried is called when a retry job is created from a finished one.
type JobRetried interface {
	OnJobRetried(ctx context.Context, parent, retry *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// BatchCreated is called after a batch record is written.
type BatchCreated interface {
	OnBatchCreated(ctx context.Context, b *batch.Batch) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
