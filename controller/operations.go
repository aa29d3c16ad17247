package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/scope"
)

// Get returns the current record of a job visible to the caller in ctx.
func (c *Controller) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(ctx, j.Owner) {
		return nil, fmt.Errorf("%w: job %s", vacalibration.ErrForbidden, jobID)
	}
	return j, nil
}

// Result returns a finished job. Jobs still pending or running yield
// vacalibration.ErrJobNotFinished.
func (c *Controller) Result(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.State.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", vacalibration.ErrJobNotFinished, jobID, j.State)
	}
	return j, nil
}

// Output returns the retained log lines from index from onwards. hasMore
// stays true until the job reaches a terminal state.
func (c *Controller) Output(ctx context.Context, jobID id.JobID, from int) (lines []string, hasMore bool, err error) {
	j, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	lines, err = c.jobs.ReadLogs(ctx, jobID, max(from, 0))
	if err != nil {
		return nil, false, err
	}
	return lines, !j.State.Terminal(), nil
}

// List returns jobs matching opts, newest first, and the number of matches
// ignoring pagination. Callers with an identity only see their own jobs.
func (c *Controller) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	if owner := scope.Capture(ctx); owner != "" {
		opts.Owner = owner
	}
	jobs, err := c.jobs.ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := c.jobs.CountJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Cancel marks a pending or running job cancelled and asks the dispatcher
// to kill its execution. The job is cancelled even when the revocation
// cannot be delivered; a cancelled job refuses any later report. Cancelling
// a terminal job returns vacalibration.ErrInvalidTransition.
func (c *Controller) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.apply(ctx, jobID, func(j *job.Job) (job.Report, error) {
		if !scope.Allows(ctx, j.Owner) {
			return nil, fmt.Errorf("%w: job %s", vacalibration.ErrForbidden, jobID)
		}
		return job.Cancelled{}, nil
	})
	if err != nil {
		return nil, err
	}
	c.revoke(ctx, jobID)
	return j, nil
}

// Timeout moves a running job past its deadline to timeout. Jobs that are
// not running or not yet overdue are left alone and yield
// vacalibration.ErrInvalidTransition.
func (c *Controller) Timeout(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.apply(ctx, jobID, func(j *job.Job) (job.Report, error) {
		deadline, ok := j.Deadline()
		if !ok || c.now().Before(deadline) {
			return nil, fmt.Errorf("%w: job %s is not overdue", vacalibration.ErrInvalidTransition, jobID)
		}
		return job.TimedOut{After: j.Timeout}, nil
	})
	if err != nil {
		return nil, err
	}
	c.revoke(ctx, jobID)
	return j, nil
}

func (c *Controller) revoke(ctx context.Context, jobID id.JobID) {
	if err := c.dispatcher.RevokeJob(ctx, jobID, true); err != nil {
		c.logger.Warn("failed to revoke execution",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Retry creates a new job from a failed, cancelled or timed-out one. The
// new job records the original as its parent and counts one more retry.
func (c *Controller) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	parent, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case !parent.State.Terminal():
		return nil, fmt.Errorf("%w: job %s is %s", vacalibration.ErrJobNotFinished, jobID, parent.State)
	case parent.State == job.StateCompleted:
		return nil, fmt.Errorf("%w: job %s completed", vacalibration.ErrInvalidTransition, jobID)
	case parent.RetryCount >= parent.MaxRetries:
		return nil, fmt.Errorf("%w: job %s was retried %d of %d times",
			vacalibration.ErrMaxRetriesExceeded, jobID, parent.RetryCount, parent.MaxRetries)
	}

	retry, err := c.Create(ctx, parent.Name, parent.Input,
		job.WithQueue(parent.Queue),
		job.WithPriority(parent.Priority),
		job.WithTimeout(parent.Timeout),
		job.WithMaxRetries(parent.MaxRetries),
		job.WithCache(parent.UseCache),
		job.WithOwner(parent.Owner),
		job.WithBatch(parent.BatchID),
		job.WithGroup(parent.Group, parent.GroupLimit),
		job.WithParent(parent.ID, parent.RetryCount+1),
	)
	if retry != nil {
		c.exts.EmitJobRetried(ctx, parent, retry)
	}
	return retry, err
}

// Resubmit dispatches a pending job again, typically one whose first
// dispatch failed because the queue was unreachable. A job that already
// has a live execution keeps it.
func (c *Controller) Resubmit(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StatePending {
		return nil, fmt.Errorf("%w: job %s is %s", vacalibration.ErrInvalidTransition, jobID, j.State)
	}
	return c.dispatch(ctx, j)
}

// Delete removes a job and everything derived from it, revoking its
// execution first if it has not finished. It reports whether the job
// existed.
func (c *Controller) Delete(ctx context.Context, jobID id.JobID) (bool, error) {
	unlock := c.locks.lock(jobID.String())
	defer unlock()

	j, err := c.jobs.GetJob(ctx, jobID)
	if errors.Is(err, vacalibration.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !scope.Allows(ctx, j.Owner) {
		return false, fmt.Errorf("%w: job %s", vacalibration.ErrForbidden, jobID)
	}
	if !j.State.Terminal() {
		c.revoke(ctx, jobID)
	}

	ok, err := c.jobs.DeleteJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if err := c.bus.Forget(ctx, jobID); err != nil {
		c.logger.Warn("failed to drop event history",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	c.logger.Info("job deleted", slog.String("job_id", jobID.String()))
	return ok, nil
}

// DeleteMany deletes every job matching opts. It refuses to run without
// confirm. Pagination in opts is ignored.
func (c *Controller) DeleteMany(ctx context.Context, opts job.ListOpts, confirm bool) (int, error) {
	if !confirm {
		return 0, fmt.Errorf("%w: bulk delete", vacalibration.ErrConfirmationRequired)
	}
	if owner := scope.Capture(ctx); owner != "" {
		opts.Owner = owner
	}
	opts.Limit, opts.Offset = 0, 0

	jobs, err := c.jobs.ListJobs(ctx, opts)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		ok, err := c.Delete(ctx, j.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
