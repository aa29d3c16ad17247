package middleware_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cliu238/vacalibration/job"
	mw "github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/runner"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func countStatus(t *testing.T, rm metricdata.ResourceMetrics) map[string]int64 {
	t.Helper()
	metric := findMetric(rm, "vacalibration.execution.count")
	if metric == nil {
		t.Fatal("vacalibration.execution.count metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value("status")
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_, _ = m(context.Background(), newTestRequest(), okHandler)

	metric := findMetric(collectMetrics(t, reader), "vacalibration.execution.duration")
	if metric == nil {
		t.Fatal("vacalibration.execution.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one observation, got %+v", hist.DataPoints)
	}
}

func TestMetrics_StatusAttribute(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	ctx := context.Background()

	_, _ = m(ctx, newTestRequest(), okHandler)
	_, _ = m(ctx, newTestRequest(), func(context.Context) (runner.Outcome, error) {
		return runner.Outcome{Err: &job.Error{Kind: job.ErrorReported, Message: "bad"}}, nil
	})
	_, _ = m(ctx, newTestRequest(), func(context.Context) (runner.Outcome, error) {
		return runner.Outcome{}, errors.New("boom")
	})

	got := countStatus(t, collectMetrics(t, reader))
	for _, status := range []string{"ok", "failed", "error"} {
		if got[status] != 1 {
			t.Errorf("status %q counted %d times, want 1", status, got[status])
		}
	}
}
