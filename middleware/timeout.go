package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/cliu238/vacalibration/runner"
)

// Timeout returns middleware that kills the run once the request's Timeout
// plus grace has elapsed. It only bounds resource usage; the job's timeout
// state is still decided by the reaper.
func Timeout(logger *slog.Logger, grace time.Duration) Middleware {
	return func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error) {
		if req.Timeout <= 0 {
			return next(ctx)
		}
		logger.Debug("execution deadline set",
			slog.String("job_id", req.JobID.String()),
			slog.Duration("timeout", req.Timeout),
		)
		ctx, cancel := context.WithTimeout(ctx, req.Timeout+grace)
		defer cancel()
		return next(ctx)
	}
}
