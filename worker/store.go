package worker

import (
	"context"

	"github.com/cliu238/vacalibration/id"
)

// Store defines the persistence contract for dispatch handles, the
// per-job active slot and the dispatch queues.
type Store interface {
	// EnqueueHandle claims the job's active slot for h and pushes h onto
	// h.Queue. When the job already holds a non-terminal handle, nothing is
	// written and that handle is returned instead; callers compare IDs.
	EnqueueHandle(ctx context.Context, h *Handle) (*Handle, error)

	// GetHandle returns a handle by ID, or vacalibration.ErrHandleNotFound.
	GetHandle(ctx context.Context, handleID id.HandleID) (*Handle, error)

	// ActiveHandle returns the job's non-terminal handle, or
	// vacalibration.ErrHandleNotFound.
	ActiveHandle(ctx context.Context, jobID id.JobID) (*Handle, error)

	// DequeueHandle pops the highest-priority queued handle from the given
	// queues, marks it started by workerID and returns it. Revoked entries
	// are skipped. It returns nil when every queue is empty.
	DequeueHandle(ctx context.Context, queues []string, workerID string) (*Handle, error)

	// RequeueHandle puts a started handle back on its queue as queued. It
	// returns vacalibration.ErrInvalidTransition when the handle is no
	// longer started.
	RequeueHandle(ctx context.Context, handleID id.HandleID) error

	// FinishHandle moves a non-terminal handle to the terminal state to,
	// releasing the job's active slot and dropping any queue entry. When
	// the handle is already terminal it is returned unchanged together
	// with vacalibration.ErrInvalidTransition.
	FinishHandle(ctx context.Context, handleID id.HandleID, to HandleState, terminate bool) (*Handle, error)

	// HeartbeatHandle records liveness of a started handle and returns its
	// current state.
	HeartbeatHandle(ctx context.Context, handleID id.HandleID) (*Handle, error)
}
