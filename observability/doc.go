// Package observability provides OpenTelemetry metrics and tracing for
// the orchestrator. The MetricsExtension implements lifecycle hooks to
// record counters for job creation, dispatch, cache hits, completion,
// failure, cancellation, timeout, retry and batch events. SetupTracing
// installs a global TracerProvider with a stdout or OTLP exporter.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
