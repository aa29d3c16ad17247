// Package worker is the dispatcher: it queues execution units as handles,
// runs them in a pool of goroutines and relays their raw output upward to
// a Reporter without interpreting it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/runner"
)

// DefaultQueue is the queue used when a Spec names none.
const DefaultQueue = job.DefaultQueue

// Reporter receives everything an execution unit produces. The job
// controller implements it; workers never write job state themselves.
type Reporter interface {
	// Started confirms that the unit is about to run. An error means the
	// job must not run (for instance it was cancelled meanwhile).
	Started(ctx context.Context, jobID id.JobID) error

	// Line relays one parsed output line.
	Line(ctx context.Context, jobID id.JobID, line runner.Line)

	// Finished relays the unit's final outcome.
	Finished(ctx context.Context, jobID id.JobID, out runner.Outcome) error
}

// Executor runs a single handle through middleware and the runner
// registry, and relays the result to the Reporter.
type Executor struct {
	runners  *runner.Registry
	reporter Reporter
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	runners *runner.Registry,
	reporter Reporter,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		runners:  runners,
		reporter: reporter,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs h and returns the handle state it ended in.
//
// A run cut short by ctx (revocation, shutdown, execution deadline) is not
// reported: a revoked job is already terminal and an overdue one is left
// to the reaper. Runner errors and panics are reported as exceptions.
func (e *Executor) Execute(ctx context.Context, h *Handle) (HandleState, error) {
	if err := e.reporter.Started(ctx, h.JobID); err != nil {
		if errors.Is(err, vacalibration.ErrInvalidTransition) || vacalibration.IsNotFound(err) {
			e.logger.Info("skipping handle for finished job",
				slog.String("job_id", h.JobID.String()),
				slog.String("handle_id", h.ID.String()),
			)
			return HandleRevoked, nil
		}
		return HandleFailed, fmt.Errorf("report start: %w", err)
	}

	req := runner.Request{
		JobID:   h.JobID,
		Name:    h.Name,
		Input:   h.Input,
		Timeout: h.Timeout,
	}
	emit := func(l runner.Line) { e.reporter.Line(ctx, h.JobID, l) }
	terminal := func(ctx context.Context) (runner.Outcome, error) {
		return e.runners.Run(ctx, req, emit)
	}

	out, err := e.mw(ctx, &req, terminal)
	switch {
	case ctx.Err() != nil:
		return HandleRevoked, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.logger.Warn("execution deadline exceeded, leaving the job to the reaper",
			slog.String("job_id", h.JobID.String()),
			slog.Duration("timeout", h.Timeout),
		)
		return HandleFailed, err
	case err != nil:
		out = runner.Outcome{Err: &job.Error{Kind: job.ErrorException, Message: err.Error()}}
	}

	if rerr := e.reporter.Finished(ctx, h.JobID, out); rerr != nil {
		e.logger.Error("failed to report outcome",
			slog.String("job_id", h.JobID.String()),
			slog.String("error", rerr.Error()),
		)
		return HandleFailed, rerr
	}
	if out.Failed() {
		return HandleFailed, nil
	}
	return HandleSucceeded, nil
}
