// Package queue gates run starts in a worker pool with per-queue and
// per-owner limits.
//
// A queue is any concurrency group a dispatch handle names. The dispatch
// queue "default" is one; every batch gets its own group "batch:<id>"
// whose MaxConcurrency is the batch's parallel limit.
//
//	m := queue.NewManager(queue.Config{Name: "default", RateLimit: 10})
//	m.SetOwnerLimit(2)            // at most two running jobs per owner
//	m.EnsureLimit("batch:…", 5)   // parallel limit of a batch
//
//	if m.Acquire(group, owner) {
//	    defer m.Release(group, owner)
//	    // run the execution unit
//	}
//
// Rate limits use token buckets from golang.org/x/time/rate; concurrency
// limits are plain active counters.
package queue
