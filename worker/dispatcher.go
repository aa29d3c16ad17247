package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
)

// Dispatcher submits execution units to the dispatch queue and tracks
// their handles. It guarantees at most one non-terminal handle per job.
type Dispatcher struct {
	store  Store
	logger *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher over store.
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit queues spec for jobID and returns its handle. If the job already
// has a non-terminal handle, that handle is returned and nothing new is
// queued. Backend failures are reported as vacalibration.ErrUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, jobID id.JobID, spec Spec) (*Handle, error) {
	if spec.Queue == "" {
		spec.Queue = DefaultQueue
	}
	h := &Handle{
		ID:         id.NewHandleID(),
		JobID:      jobID,
		Spec:       spec,
		State:      HandleQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	active, err := d.store.EnqueueHandle(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("dispatch submit %s: %w", jobID, vacalibration.Unavailable(err))
	}
	if active.ID.String() != h.ID.String() {
		d.logger.Debug("job already has an active handle",
			slog.String("job_id", jobID.String()),
			slog.String("handle_id", active.ID.String()),
		)
	}
	return active, nil
}

// Revoke stops a handle. A queued handle never starts; a started one is
// killed by its pool when terminate is set and otherwise left to finish
// unobserved. Revoking a terminal handle is a no-op that returns it.
func (d *Dispatcher) Revoke(ctx context.Context, handleID id.HandleID, terminate bool) (*Handle, error) {
	h, err := d.store.FinishHandle(ctx, handleID, HandleRevoked, terminate)
	switch {
	case errors.Is(err, vacalibration.ErrInvalidTransition):
		return h, nil
	case err != nil:
		return nil, err
	}
	d.logger.Info("handle revoked",
		slog.String("job_id", h.JobID.String()),
		slog.String("handle_id", handleID.String()),
		slog.Bool("terminate", terminate),
	)
	return h, nil
}

// RevokeJob revokes the job's active handle, if any.
func (d *Dispatcher) RevokeJob(ctx context.Context, jobID id.JobID, terminate bool) error {
	h, err := d.store.ActiveHandle(ctx, jobID)
	if errors.Is(err, vacalibration.ErrHandleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = d.Revoke(ctx, h.ID, terminate)
	return err
}

// Poll returns the current state of a handle.
func (d *Dispatcher) Poll(ctx context.Context, handleID id.HandleID) (HandleState, error) {
	h, err := d.store.GetHandle(ctx, handleID)
	if err != nil {
		return "", err
	}
	return h.State, nil
}

// Active returns the job's non-terminal handle, or
// vacalibration.ErrHandleNotFound.
func (d *Dispatcher) Active(ctx context.Context, jobID id.JobID) (*Handle, error) {
	return d.store.ActiveHandle(ctx, jobID)
}
