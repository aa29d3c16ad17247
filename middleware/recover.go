package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/cliu238/vacalibration/runner"
)

// Recover returns middleware that converts a panic anywhere below it into
// an error, logged with its stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req *runner.Request, next Handler) (out runner.Outcome, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("execution unit panicked",
					slog.String("job_name", req.Name),
					slog.String("job_id", req.JobID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				out = runner.Outcome{}
				retErr = fmt.Errorf("panic in %s: %v", req.Name, r)
			}
		}()
		return next(ctx)
	}
}
