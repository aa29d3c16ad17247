// Package engine wires every vacalibration subsystem together: the event
// bus and its transport, the result cache, the dispatcher, the job
// controller, the batch coordinator, the timeout reaper, the live
// connection manager and the worker pool.
//
// The engine package exists to break an import cycle: the root
// vacalibration package defines Config, errors and Entity (imported by job,
// batch, etc.) and so cannot import those packages back. Engine sits above
// all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	o, err := vacalibration.New(
//	    vacalibration.WithConfig(cfg),
//	    vacalibration.WithStore(redisStore),
//	)
//
//	eng, err := engine.Build(o,
//	    engine.WithRunner("calibration", runner.NewCommand("Rscript", []string{"run.R"})),
//	    engine.WithExtension(myExtension),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:           "critical",
//	        MaxConcurrency: 2,
//	    }),
//	)
//
// # Roles
//
// A process that only serves the API and live streams is built
// [WithoutWorkers]; separate worker processes share its Redis store and
// pick up the dispatched handles. [WithoutReaper] leaves timeouts to
// another process.
//
// # Submitting Work
//
//	j, err := eng.Controller().Create(ctx, "calibration", input)
//	b, err := eng.Batches().Submit(ctx, "calibration", inputs, batch.Params{ParallelLimit: 2})
//
// # Options
//
//   - [WithRunner]: register the execution unit for a job name
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithQueueConfig]: configure per-queue rate limits and concurrency
//   - [WithTransport]: override the cross-process event transport
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
