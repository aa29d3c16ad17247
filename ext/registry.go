package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// A nil *Registry is valid and emits nothing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobCreated    []entry[JobCreated]
	jobDispatched []entry[JobDispatched]
	jobCacheHit   []entry[JobCacheHit]
	jobStarted    []entry[JobStarted]
	jobCompleted  []entry[JobCompleted]
	jobFailed     []entry[JobFailed]
	jobCancelled  []entry[JobCancelled]
	jobTimedOut   []entry[JobTimedOut]
	jobRetried    []entry[JobRetried]
	batchCreated  []entry[BatchCreated]
	shutdown      []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func collect[H any](list []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: e.Name(), hook: h})
	}
	return list
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.jobCreated = collect(r.jobCreated, e)
	r.jobDispatched = collect(r.jobDispatched, e)
	r.jobCacheHit = collect(r.jobCacheHit, e)
	r.jobStarted = collect(r.jobStarted, e)
	r.jobCompleted = collect(r.jobCompleted, e)
	r.jobFailed = collect(r.jobFailed, e)
	r.jobCancelled = collect(r.jobCancelled, e)
	r.jobTimedOut = collect(r.jobTimedOut, e)
	r.jobRetried = collect(r.jobRetried, e)
	r.batchCreated = collect(r.batchCreated, e)
	r.shutdown = collect(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobCreated notifies all extensions that implement JobCreated.
func (r *Registry) EmitJobCreated(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobCreated {
		if err := e.hook.OnJobCreated(ctx, j); err != nil {
			r.logHookError("OnJobCreated", e.name, err)
		}
	}
}

// EmitJobDispatched notifies all extensions that implement JobDispatched.
func (r *Registry) EmitJobDispatched(ctx context.Context, j *job.Job, handleID id.HandleID) {
	if r == nil {
		return
	}
	for _, e := range r.jobDispatched {
		if err := e.hook.OnJobDispatched(ctx, j, handleID); err != nil {
			r.logHookError("OnJobDispatched", e.name, err)
		}
	}
}

// EmitJobCacheHit notifies all extensions that implement JobCacheHit.
func (r *Registry) EmitJobCacheHit(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobCacheHit {
		if err := e.hook.OnJobCacheHit(ctx, j); err != nil {
			r.logHookError("OnJobCacheHit", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	if r == nil {
		return
	}
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobTimedOut notifies all extensions that implement JobTimedOut.
func (r *Registry) EmitJobTimedOut(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobTimedOut {
		if err := e.hook.OnJobTimedOut(ctx, j); err != nil {
			r.logHookError("OnJobTimedOut", e.name, err)
		}
	}
}

// EmitJobRetried notifies all extensions that implement JobRetried.
func (r *Registry) EmitJobRetried(ctx context.Context, parent, retry *job.Job) {
	if r == nil {
		return
	}
	for _, e := range r.jobRetried {
		if err := e.hook.OnJobRetried(ctx, parent, retry); err != nil {
			r.logHookError("OnJobRetried", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitBatchCreated notifies all extensions that implement BatchCreated.
func (r *Registry) EmitBatchCreated(ctx context.Context, b *batch.Batch) {
	if r == nil {
		return
	}
	for _, e := range r.batchCreated {
		if err := e.hook.OnBatchCreated(ctx, b); err != nil {
			r.logHookError("OnBatchCreated", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors never reach the caller.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
