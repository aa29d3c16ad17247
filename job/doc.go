// Package job defines the job entity, its state machine, and the store
// contract that persists it.
//
// # Job Entity
//
// A [Job] is one request to run an opaque execution unit against a semantic
// input document. It embeds [vacalibration.Entity] for timestamps and moves
// through a small state machine:
//
//	pending → running → completed
//	pending → running → failed
//	pending → running → timeout
//	pending → cancelled
//	pending → running → cancelled
//	pending → completed          (cache hit, never dispatched)
//
// completed, failed, cancelled and timeout are terminal. A terminal job is
// immutable: [Next] rejects every further report with
// [vacalibration.ErrInvalidTransition].
//
// # Reports
//
// Everything that can happen to a job is expressed as a [Report] variant:
// [Started], [Progressed], [Logged], [Succeeded], [Failed], [Cancelled] and
// [TimedOut]. The worker callback path, the cancellation path and the
// timeout reaper all feed reports through the same pure [Next] function and
// the [Apply] mutator, so there is exactly one definition of a legal
// transition.
//
// # Store
//
// [Store] is a TTL-bounded record store with a recency index. Every write
// refreshes the TTL; [Store.SweepJobs] drops index entries whose records
// have aged out, along with their derived keys.
package job
