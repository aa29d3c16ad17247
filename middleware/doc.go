// Package middleware provides composable middleware for execution unit runs.
//
// A [Middleware] wraps the call into a [runner.Runner]. Middleware are
// composed with [Chain] and applied to every run a worker performs; the
// first middleware in the slice is the outermost wrapper.
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Timeout(logger, 30*time.Second),
//	)
//
// # Built-in Middleware
//
//   - [Logging] logs job name, duration and outcome
//   - [Recover] turns panics into errors
//   - [Timeout] kills runs that outlive the job timeout
//   - [Tracing] wraps each run in an OpenTelemetry span
//   - [Metrics] records run duration and outcome counters
//
// # Writing Custom Middleware
//
//	func Audit() middleware.Middleware {
//	    return func(ctx context.Context, req *runner.Request, next middleware.Handler) (runner.Outcome, error) {
//	        out, err := next(ctx)
//	        // inspect out.Err for reported failures
//	        return out, err
//	    }
//	}
package middleware
