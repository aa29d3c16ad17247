// Package ext defines the extension system for the orchestrator.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics or writing audit logs. Each lifecycle hook is a
// separate interface so extensions opt in only to the events they care
// about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobCreated]: a job record was written
//   - [JobDispatched]: the job's execution unit was queued
//   - [JobCacheHit]: the job completed from the result cache
//   - [JobStarted]: an execution unit began running the job
//   - [JobCompleted]: the job finished with a result
//   - [JobFailed]: the job failed
//   - [JobCancelled]: a user cancelled the job
//   - [JobTimedOut]: the reaper timed the job out
//   - [JobRetried]: a retry job was created from a finished one
//
// # Other Hooks
//
//   - [BatchCreated]: a batch was recorded
//   - [Shutdown]: the orchestrator is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never propagated.
package ext
