package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/queue"
	"github.com/cliu238/vacalibration/runner"
	"github.com/cliu238/vacalibration/store/memory"
	"github.com/cliu238/vacalibration/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingReporter captures everything an executor relays upward.
type recordingReporter struct {
	mu       sync.Mutex
	started  []string
	lines    map[string][]runner.Line
	finished map[string]runner.Outcome

	// startErr, when set, is returned from Started.
	startErr error
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		lines:    make(map[string][]runner.Line),
		finished: make(map[string]runner.Outcome),
	}
}

func (r *recordingReporter) Started(_ context.Context, jobID id.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, jobID.String())
	return nil
}

func (r *recordingReporter) Line(_ context.Context, jobID id.JobID, l runner.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[jobID.String()] = append(r.lines[jobID.String()], l)
}

func (r *recordingReporter) Finished(_ context.Context, jobID id.JobID, out runner.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[jobID.String()] = out
	return nil
}

func (r *recordingReporter) outcome(jobID id.JobID) (runner.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.finished[jobID.String()]
	return out, ok
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func setupTestPool(t *testing.T, reg *runner.Registry, opts ...worker.PoolOption) (
	*worker.Pool, *worker.Dispatcher, *memory.Store, *recordingReporter,
) {
	t.Helper()
	logger := testLogger()
	s := memory.New()
	rep := newRecordingReporter()

	executor := worker.NewExecutor(reg, rep, logger, middleware.Recover(logger))
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithHeartbeatInterval(10 * time.Millisecond),
	}
	pool := worker.NewPool(s, executor, logger, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool, worker.NewDispatcher(s, worker.WithDispatcherLogger(logger)), s, rep
}

func spec(name string) worker.Spec {
	return worker.Spec{Name: name, Input: json.RawMessage(`{"a":1}`), Queue: worker.DefaultQueue, Priority: 5}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _, _ := setupTestPool(t, runner.NewRegistry())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	if pool.WorkerID().IsNil() {
		t.Fatal("expected a worker id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_RunsSubmittedHandle(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(_ context.Context, _ json.RawMessage, emit runner.Emit) (json.RawMessage, error) {
		emit(runner.ProgressLine{Percent: 50, Stage: "fitting"})
		return json.RawMessage(`{"x":42}`), nil
	}))
	pool, d, s, rep := setupTestPool(t, reg)

	jobID := id.NewJobID()
	h, err := d.Submit(context.Background(), jobID, spec("calibration"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, _ := s.GetHandle(context.Background(), h.ID)
		return got != nil && got.State == worker.HandleSucceeded
	})

	out, ok := rep.outcome(jobID)
	if !ok {
		t.Fatal("outcome was not reported")
	}
	if string(out.Result) != `{"x":42}` || out.Failed() {
		t.Errorf("unexpected outcome %+v", out)
	}
	rep.mu.Lock()
	lines := rep.lines[jobID.String()]
	rep.mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("expected 1 relayed line, got %d", len(lines))
	}
	if p, ok := lines[0].(runner.ProgressLine); !ok || p.Percent != 50 {
		t.Errorf("unexpected line %#v", lines[0])
	}

	if _, err := d.Active(context.Background(), jobID); err == nil {
		t.Error("finished handle should free the active slot")
	}
}

func TestPool_TerminateRevokedRun(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	reg := runner.NewRegistry()
	reg.Register("slow", runner.Func(func(ctx context.Context, _ json.RawMessage, _ runner.Emit) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))
	pool, d, s, rep := setupTestPool(t, reg)

	jobID := id.NewJobID()
	h, err := d.Submit(context.Background(), jobID, spec("slow"))
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}
	if _, err := d.Revoke(context.Background(), h.ID, true); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("revoked run was not terminated")
	}

	got, _ := s.GetHandle(context.Background(), h.ID)
	if got.State != worker.HandleRevoked {
		t.Errorf("expected revoked, got %s", got.State)
	}
	// Give the executor a moment; nothing must be reported for a revoked run.
	time.Sleep(30 * time.Millisecond)
	if _, ok := rep.outcome(jobID); ok {
		t.Error("a terminated run must not report an outcome")
	}
}

func TestPool_RevokedBeforeStartNeverRuns(t *testing.T) {
	var calls atomic.Int32
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	}))
	pool, d, _, _ := setupTestPool(t, reg)

	h, err := d.Submit(context.Background(), id.NewJobID(), spec("calibration"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Revoke(context.Background(), h.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("revoked handle ran %d times", calls.Load())
	}
}

func TestPool_GroupLimit(t *testing.T) {
	var running, peak atomic.Int32
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}))
	qm := queue.NewManager()
	pool, d, s, _ := setupTestPool(t, reg,
		worker.WithPoolConcurrency(4),
		worker.WithQueueManager(qm),
	)

	var handles []*worker.Handle
	for range 4 {
		sp := spec("calibration")
		sp.Group = "batch:test"
		sp.GroupLimit = 1
		h, err := d.Submit(context.Background(), id.NewJobID(), sp)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, h := range handles {
			got, _ := s.GetHandle(context.Background(), h.ID)
			if got == nil || got.State != worker.HandleSucceeded {
				return false
			}
		}
		return true
	})
	if peak.Load() != 1 {
		t.Errorf("group limit 1 exceeded: peak %d", peak.Load())
	}
	if qm.ActiveCount("batch:test") != 0 {
		t.Errorf("group slots leaked: %d", qm.ActiveCount("batch:test"))
	}
}

func TestPool_OwnerLimit(t *testing.T) {
	var running, peak atomic.Int32
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}))
	qm := queue.NewManager()
	qm.SetOwnerLimit(1)
	pool, d, s, _ := setupTestPool(t, reg,
		worker.WithPoolConcurrency(3),
		worker.WithQueueManager(qm),
	)

	var handles []*worker.Handle
	for range 3 {
		sp := spec("calibration")
		sp.Owner = "alice"
		h, err := d.Submit(context.Background(), id.NewJobID(), sp)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, h := range handles {
			got, _ := s.GetHandle(context.Background(), h.ID)
			if got == nil || got.State != worker.HandleSucceeded {
				return false
			}
		}
		return true
	})
	if peak.Load() != 1 {
		t.Errorf("owner limit 1 exceeded: peak %d", peak.Load())
	}
}

func TestPool_StopCancelsActiveRunsOnTimeout(t *testing.T) {
	started := make(chan struct{})
	reg := runner.NewRegistry()
	reg.Register("stuck", runner.Func(func(ctx context.Context, _ json.RawMessage, _ runner.Emit) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	pool, d, _, rep := setupTestPool(t, reg)

	jobID := id.NewJobID()
	if _, err := d.Submit(context.Background(), jobID, spec("stuck")); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := rep.outcome(jobID); ok {
		t.Error("a run cut short by shutdown must not report")
	}
}

// flakyStore fails the first n dequeues.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) DequeueHandle(ctx context.Context, queues []string, workerID string) (*worker.Handle, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.Store.DequeueHandle(ctx, queues, workerID)
}

func TestPool_BacksOffOnDequeueErrors(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("calibration", runner.Func(func(context.Context, json.RawMessage, runner.Emit) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	logger := testLogger()
	s := &flakyStore{Store: memory.New()}
	s.failures.Store(3)

	var delays atomic.Int32
	strategy := backoffFunc(func(attempt int) time.Duration {
		delays.Add(1)
		return time.Millisecond * time.Duration(attempt)
	})
	rep := newRecordingReporter()
	pool := worker.NewPool(s, worker.NewExecutor(reg, rep, logger), logger,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithErrorBackoff(strategy),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	jobID := id.NewJobID()
	if _, err := worker.NewDispatcher(s).Submit(context.Background(), jobID, spec("calibration")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := rep.outcome(jobID)
		return ok
	})
	if got := delays.Load(); got != 3 {
		t.Errorf("expected 3 backoff delays, got %d", got)
	}
}

type backoffFunc func(attempt int) time.Duration

func (f backoffFunc) Delay(attempt int) time.Duration { return f(attempt) }
