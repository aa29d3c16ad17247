// Package middleware provides composable middleware around a single run of
// an execution unit.
package middleware

import (
	"context"

	"github.com/cliu238/vacalibration/runner"
)

// Handler is the terminal function that runs the execution unit.
type Handler func(ctx context.Context) (runner.Outcome, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// request being executed and the next handler in the chain, which it must
// call unless it deliberately short-circuits.
//
// A returned error means the run itself broke (panic, runner failure,
// cancellation). A failure reported by the unit travels in Outcome.Err.
type Middleware func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error)

// Chain composes multiple middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper.
//
//	Chain(logging, recover, timeout) runs as logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, req *runner.Request, next Handler) (runner.Outcome, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (runner.Outcome, error) {
				return mw(ctx, req, prev)
			}
		}
		return h(ctx)
	}
}

// status classifies a finished run for logs and metrics.
func status(out runner.Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Failed():
		return "failed"
	default:
		return "ok"
	}
}
