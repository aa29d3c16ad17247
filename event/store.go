package event

import (
	"context"

	"github.com/cliu238/vacalibration/id"
)

// Store defines the persistence contract for sequence counters and replay
// buffers.
type Store interface {
	// AppendEvent sets e.Seq to the job's next sequence number and adds e
	// to the replay buffer, evicting the oldest events beyond keep. Both
	// happen as one atomic step: once a sequence is assigned, every lower
	// one of the same job is already buffered. The first sequence is 1.
	AppendEvent(ctx context.Context, e *Event, keep int) error

	// RecentEvents returns buffered events with Seq > afterSeq in sequence
	// order.
	RecentEvents(ctx context.Context, jobID id.JobID, afterSeq uint64) ([]*Event, error)

	// DeleteEvents drops the job's replay buffer and sequence counter.
	DeleteEvents(ctx context.Context, jobID id.JobID) error
}

// Listener is a live feed of broadcast events for one job.
type Listener interface {
	C() <-chan *Event
	Close() error
}

// Transport fans events out to live listeners, within one process or
// across processes.
type Transport interface {
	// Broadcast delivers e to every listener of e.JobID without blocking
	// on slow listeners.
	Broadcast(ctx context.Context, e *Event) error

	// Listen opens a live feed for jobID.
	Listen(ctx context.Context, jobID string) (Listener, error)
}
