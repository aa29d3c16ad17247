package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/cliu238/vacalibration/job"
	mw "github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/runner"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestTracing_CreatesSpan(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	if _, err := m(context.Background(), newTestRequest(), okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "vacalibration.job.execute" {
		t.Errorf("expected span name %q, got %q", "vacalibration.job.execute", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("expected status Ok, got %v", spans[0].Status().Code)
	}
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)
	req := newTestRequest()

	_, _ = m(context.Background(), req, okHandler)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrMap := make(map[string]any)
	for _, a := range spans[0].Attributes() {
		switch a.Value.Type() {
		case attribute.STRING:
			attrMap[string(a.Key)] = a.Value.AsString()
		case attribute.FLOAT64:
			attrMap[string(a.Key)] = a.Value.AsFloat64()
		}
	}

	expected := map[string]any{
		"vacalibration.job.id":        req.JobID.String(),
		"vacalibration.job.name":      "calibration",
		"vacalibration.job.timeout_s": float64(60),
	}
	for key, want := range expected {
		got, ok := attrMap[key]
		if !ok {
			t.Errorf("missing attribute %q", key)
			continue
		}
		if got != want {
			t.Errorf("attribute %q = %v, want %v", key, got, want)
		}
	}
}

func TestTracing_Error_SetsErrorStatus(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	handlerErr := errors.New("handler failed")
	_, err := m(context.Background(), newTestRequest(), func(context.Context) (runner.Outcome, error) {
		return runner.Outcome{}, handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error {
		t.Errorf("expected status Error, got %v", span.Status().Code)
	}
	if span.Status().Description != "handler failed" {
		t.Errorf("expected status description %q, got %q", "handler failed", span.Status().Description)
	}

	found := false
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected 'exception' event to be recorded on span")
	}
}

func TestTracing_ReportedFailure_SetsErrorStatus(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	_, _ = m(context.Background(), newTestRequest(), func(context.Context) (runner.Outcome, error) {
		return runner.Outcome{Err: &job.Error{Kind: job.ErrorNoOutput, Message: "no output"}}, nil
	})

	span := sr.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != "no output" {
		t.Errorf("status = %+v, want Error/no output", span.Status())
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := mw.TracingWithTracer(tracer)

	var handlerSpanCtx trace.SpanContext
	_, _ = m(context.Background(), newTestRequest(), func(ctx context.Context) (runner.Outcome, error) {
		handlerSpanCtx = trace.SpanFromContext(ctx).SpanContext()
		return okHandler(ctx)
	})

	spans := sr.Ended()
	if !handlerSpanCtx.IsValid() {
		t.Error("expected valid span context in handler, got invalid")
	}
	if handlerSpanCtx.TraceID() != spans[0].SpanContext().TraceID() {
		t.Error("handler span context trace ID does not match middleware span")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	called := false
	_, err := mw.Tracing()(context.Background(), newTestRequest(), func(ctx context.Context) (runner.Outcome, error) {
		called = true
		return okHandler(ctx)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}
