package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig selects and configures the span exporter.
type TracingConfig struct {
	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string
	// Exporter is "none", "stdout", "otlp-http" or "otlp-grpc".
	Exporter string
	// Endpoint is the collector address for the OTLP exporters.
	Endpoint string
	// Insecure disables TLS towards the collector.
	Insecure bool
	// SampleRatio is the parent-based trace id ratio, 0..1.
	SampleRatio float64
}

// SetupTracing installs a global TracerProvider for cfg and returns its
// shutdown function. With the "none" exporter it installs nothing and the
// returned shutdown is a no-op.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" || name == "none" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %s exporter: %w", name, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	ratio := min(max(cfg.SampleRatio, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, name string, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-grpc", "grpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http", "http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", name)
	}
}
