package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/cliu238/vacalibration/runner"
)

// Logging returns middleware that logs the start and end of every run.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error) {
		logger.Info("execution started",
			slog.String("job_name", req.Name),
			slog.String("job_id", req.JobID.String()),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("execution broke",
				slog.String("job_name", req.Name),
				slog.String("job_id", req.JobID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case out.Failed():
			logger.Warn("execution reported failure",
				slog.String("job_name", req.Name),
				slog.String("job_id", req.JobID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("kind", string(out.Err.Kind)),
				slog.String("error", out.Err.Message),
			)
		default:
			logger.Info("execution succeeded",
				slog.String("job_name", req.Name),
				slog.String("job_id", req.JobID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}
		return out, err
	}
}
