package reaper_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/controller"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/reaper"
	"github.com/cliu238/vacalibration/runner"
	"github.com/cliu238/vacalibration/store/memory"
	"github.com/cliu238/vacalibration/stream"
	"github.com/cliu238/vacalibration/worker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *memory.Store
	ctl    *controller.Controller
	reaper *reaper.Reaper
	clock  *clock
}

func newFixture(t *testing.T, opts ...reaper.Option) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clk.Now), memory.WithTTL(24*time.Hour))
	bus := event.NewBus(s, stream.NewBroker(nil))
	ctl := controller.New(s, cache.New(s), bus, worker.NewDispatcher(s), controller.WithClock(clk.Now))
	opts = append([]reaper.Option{reaper.WithClock(clk.Now), reaper.WithTTL(24 * time.Hour)}, opts...)
	return &fixture{store: s, ctl: ctl, reaper: reaper.New(s, ctl, opts...), clock: clk}
}

func (f *fixture) running(t *testing.T, timeout time.Duration) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := f.ctl.Create(ctx, "calibration", json.RawMessage(`{}`), job.WithTimeout(timeout))
	require.NoError(t, err)
	require.NoError(t, f.ctl.Started(ctx, j.ID))
	return j
}

func TestSweepTimesOutOverdueJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	overdue := f.running(t, time.Hour)
	f.clock.Advance(90 * time.Minute)
	fresh := f.running(t, time.Hour)
	f.clock.Advance(30 * time.Minute)

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ctl.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateTimeout, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, job.ErrorTimeout, got.Error.Kind)
	assert.Contains(t, strings.ToLower(got.Error.Message), "timed out")

	got, err = f.ctl.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)

	// A second pass finds nothing new.
	n, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimedOutJobIgnoresLateWorkerReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	j := f.running(t, time.Hour)
	f.clock.Advance(2 * time.Hour)
	_, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, f.ctl.Finished(ctx, j.ID, runner.Outcome{Result: json.RawMessage(`{"x":1}`)}))

	got, err := f.ctl.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateTimeout, got.State)
	assert.Nil(t, got.Result)
}

func TestSweepLeavesPendingJobsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	j, err := f.ctl.Create(ctx, "calibration", json.RawMessage(`{}`), job.WithTimeout(time.Minute))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.ctl.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
}

// racingTimeouter finishes the job just before the reaper's transition.
type racingTimeouter struct {
	ctl *controller.Controller
}

func (r racingTimeouter) Timeout(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := r.ctl.Finished(ctx, jobID, runner.Outcome{Result: json.RawMessage(`{"x":1}`)}); err != nil {
		return nil, err
	}
	return r.ctl.Timeout(ctx, jobID)
}

func TestSweepLosesRaceToWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	j := f.running(t, time.Hour)
	f.clock.Advance(2 * time.Hour)

	r := reaper.New(f.store, racingTimeouter{ctl: f.ctl}, reaper.WithClock(f.clock.Now))
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.ctl.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
}

func TestCollectDropsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old, err := f.ctl.Create(ctx, "calibration", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	f.clock.Advance(20 * time.Hour)
	recent, err := f.ctl.Create(ctx, "calibration", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	n, err := f.reaper.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.ctl.Get(ctx, old.ID)
	assert.ErrorIs(t, err, vacalibration.ErrJobNotFound)
	_, err = f.ctl.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, reaper.WithSweepInterval(time.Second), reaper.WithCollectInterval(time.Second))

	require.NoError(t, f.reaper.Start(ctx))
	assert.Error(t, f.reaper.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.reaper.Stop(stopCtx))
	require.NoError(t, f.reaper.Stop(stopCtx))
}

func TestStartRejectsBadIntervals(t *testing.T) {
	f := newFixture(t, reaper.WithSweepInterval(0))
	assert.Error(t, f.reaper.Start(context.Background()))
}
