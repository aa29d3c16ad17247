package controller

import (
	"context"
	"log/slog"

	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/runner"
)

// Started implements worker.Reporter. It moves a pending job to running
// and refuses jobs that were cancelled or deleted meanwhile.
func (c *Controller) Started(ctx context.Context, jobID id.JobID) error {
	_, err := c.apply(ctx, jobID, report(job.Started{}))
	return err
}

// Line implements worker.Reporter. Progress lines advance the job's
// progress; every line is kept in the job log. Lines for finished jobs are
// dropped.
func (c *Controller) Line(ctx context.Context, jobID id.JobID, l runner.Line) {
	level := "output"
	switch v := l.(type) {
	case runner.ProgressLine:
		level = "progress"
		_, err := c.apply(ctx, jobID, report(job.Progressed{Percent: v.Percent, Stage: v.Stage}))
		if err != nil && !late(err) {
			c.logger.Warn("failed to record progress",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	case runner.InfoLine:
		level = "info"
	case runner.ErrorLine:
		level = "error"
	}

	if err := c.appendLog(ctx, jobID, level, l.Text()); err != nil && !late(err) {
		c.logger.Warn("failed to record log line",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Finished implements worker.Reporter. Reports for jobs that already
// reached a terminal state, or were deleted, are discarded.
func (c *Controller) Finished(ctx context.Context, jobID id.JobID, out runner.Outcome) error {
	var r job.Report = job.Succeeded{Result: out.Result}
	if out.Err != nil {
		r = job.Failed{Err: *out.Err}
	}

	_, err := c.apply(ctx, jobID, report(r))
	if late(err) {
		c.logger.Info("discarding late report",
			slog.String("job_id", jobID.String()),
			slog.String("report", job.ReportName(r)),
		)
		return nil
	}
	return err
}
