package store

import (
	"context"

	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/worker"
)

// Store is the aggregate persistence interface. Job records, the recency
// index, cache entries, replay buffers, dispatch handles and batches all
// live in the same TTL-capable backend.
type Store interface {
	job.Store
	cache.Store
	event.Store
	worker.Store
	batch.Store

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
