package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/runner"
	"github.com/cliu238/vacalibration/worker"
)

func newHandle(name string) *worker.Handle {
	return &worker.Handle{
		ID:    id.NewHandleID(),
		JobID: id.NewJobID(),
		Spec:  spec(name),
		State: worker.HandleStarted,
	}
}

func newExecutor(reg *runner.Registry, rep worker.Reporter, mws ...middleware.Middleware) *worker.Executor {
	logger := testLogger()
	return worker.NewExecutor(reg, rep, logger, append([]middleware.Middleware{middleware.Recover(logger)}, mws...)...)
}

func TestExecutor_Success(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(_ context.Context, input json.RawMessage, emit runner.Emit) (json.RawMessage, error) {
		emit(runner.ParseLine("PROGRESS: 10 loading"))
		emit(runner.ParseLine("just a line"))
		return input, nil
	}))
	rep := newRecordingReporter()
	h := newHandle("calibration")

	state, err := newExecutor(reg, rep).Execute(context.Background(), h)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != worker.HandleSucceeded {
		t.Fatalf("expected succeeded, got %s", state)
	}
	if len(rep.started) != 1 {
		t.Fatal("Started was not reported")
	}
	out, _ := rep.outcome(h.JobID)
	if string(out.Result) != `{"a":1}` {
		t.Errorf("unexpected result %s", out.Result)
	}
	lines := rep.lines[h.JobID.String()]
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if _, ok := lines[1].(runner.UnrecognizedLine); !ok {
		t.Errorf("plain output should stay unrecognized, got %#v", lines[1])
	}
}

func TestExecutor_ReportedFailure(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		return nil, errors.New("bad input")
	}))
	rep := newRecordingReporter()
	h := newHandle("calibration")

	state, err := newExecutor(reg, rep).Execute(context.Background(), h)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != worker.HandleFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	out, _ := rep.outcome(h.JobID)
	if out.Err == nil || out.Err.Kind != job.ErrorReported || out.Err.Message != "bad input" {
		t.Errorf("unexpected outcome error %+v", out.Err)
	}
}

func TestExecutor_PanicBecomesException(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		panic("boom")
	}))
	rep := newRecordingReporter()
	h := newHandle("calibration")

	state, _ := newExecutor(reg, rep).Execute(context.Background(), h)
	if state != worker.HandleFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	out, _ := rep.outcome(h.JobID)
	if out.Err == nil || out.Err.Kind != job.ErrorException {
		t.Fatalf("expected exception, got %+v", out.Err)
	}
}

func TestExecutor_UnknownRunner(t *testing.T) {
	rep := newRecordingReporter()
	h := newHandle("missing")

	state, _ := newExecutor(runner.NewRegistry(), rep).Execute(context.Background(), h)
	if state != worker.HandleFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	out, _ := rep.outcome(h.JobID)
	if out.Err == nil || out.Err.Kind != job.ErrorException {
		t.Fatalf("expected exception, got %+v", out.Err)
	}
}

func TestExecutor_SkipsFinishedJob(t *testing.T) {
	var ran bool
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{}`), nil
	}))
	rep := newRecordingReporter()
	rep.startErr = vacalibration.ErrInvalidTransition
	h := newHandle("calibration")

	state, err := newExecutor(reg, rep).Execute(context.Background(), h)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != worker.HandleRevoked || ran {
		t.Fatalf("a cancelled job must not run: state=%s ran=%v", state, ran)
	}
}

func TestExecutor_DeadlineLeftToReaper(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(ctx context.Context, _ json.RawMessage, _ runner.Emit) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	rep := newRecordingReporter()
	h := newHandle("calibration")
	h.Timeout = 20 * time.Millisecond

	state, err := newExecutor(reg, rep, middleware.Timeout(testLogger(), 0)).Execute(context.Background(), h)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if state != worker.HandleFailed {
		t.Errorf("expected failed handle, got %s", state)
	}
	if _, ok := rep.outcome(h.JobID); ok {
		t.Error("an overdue run must not report; the reaper times the job out")
	}
}
