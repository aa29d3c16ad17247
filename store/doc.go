// Package store defines the aggregate persistence interface.
//
// Each subsystem (job, cache, event, worker, batch) defines its own store
// contract. The composite [Store] composes them all, so a single backend
// serves every subsystem:
//
//	type Store interface {
//	    job.Store
//	    cache.Store
//	    event.Store
//	    worker.Store
//	    batch.Store
//
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// The backend is a working set, not a system of record: every record is
// TTL-bounded and a write refreshes the TTL of the record and its derived
// keys. Backends must give read-after-write consistency across processes.
//
// # Available Backends
//
//   - store/memory: in-process store for development and testing
//   - store/redis: Redis backend using go-redis v9
//
// # Usage
//
//	client := goredis.NewClient(opts)
//	s := redisstore.New(client, redisstore.WithTTL(7*24*time.Hour))
//	if err := s.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	o, err := vacalibration.New(vacalibration.WithStore(s))
package store
