// Package vacalibration is the job orchestration core behind the
// calibration service. It accepts long-running, externally executed
// computations, tracks each one through a small state machine, caches
// results by input fingerprint, and streams progress, log, and result
// events to any number of live subscribers.
//
// vacalibration is a library first. The cmd/vacalibration binary is a thin
// shell around the engine package.
//
// # Quick Start
//
//	o, err := vacalibration.New(
//	    vacalibration.WithStore(redisStore),
//	    vacalibration.WithConcurrency(4),
//	)
//	eng, err := engine.Build(o, engine.WithRunner("calibration", cmdRunner))
//	if err := eng.Start(ctx); err != nil { ... }
//	j, err := eng.Controller().Create(ctx, "calibration", input,
//	    job.WithTimeout(10*time.Minute),
//	)
//
// # Architecture
//
// Each subsystem (job, cache, event, batch, worker) defines its own store
// contract. A single backend (store/memory or store/redis) implements all of
// them. Every mutation of a job goes through the controller package, which
// owns the single transition path shared by workers, the reaper, and the
// cancellation API.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package vacalibration
