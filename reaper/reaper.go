// Package reaper runs the periodic maintenance passes of the job store.
//
// Sweep moves running jobs past their deadline to timeout. It goes through
// the controller like every other state change, so a sweep racing with a
// worker's final report leaves exactly one of them applied. Collect drops
// job records and index entries whose TTL has elapsed.
//
// Both passes are idempotent. Job writes are conditional on the revision
// read and never replace a terminal record, so reapers in several
// processes can run at once.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// Timeouter applies the timeout transition. *controller.Controller
// satisfies it.
type Timeouter interface {
	Timeout(ctx context.Context, jobID id.JobID) (*job.Job, error)
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithSweepInterval sets how often running jobs are checked for timeouts.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Reaper) { r.sweepEvery = d }
}

// WithCollectInterval sets how often expired records are dropped.
func WithCollectInterval(d time.Duration) Option {
	return func(r *Reaper) { r.collectEvery = d }
}

// WithTTL sets the job record TTL Collect uses as its cutoff.
func WithTTL(d time.Duration) Option {
	return func(r *Reaper) { r.ttl = d }
}

// Reaper enforces job deadlines and collects expired records.
type Reaper struct {
	jobs      job.Store
	timeouter Timeouter
	logger    *slog.Logger
	now       func() time.Time

	sweepEvery   time.Duration
	collectEvery time.Duration
	ttl          time.Duration

	mu   sync.Mutex
	cron *cronlib.Cron
}

// New creates a Reaper.
func New(jobs job.Store, t Timeouter, opts ...Option) *Reaper {
	r := &Reaper{
		jobs:         jobs,
		timeouter:    t,
		logger:       slog.Default(),
		now:          time.Now,
		sweepEvery:   30 * time.Second,
		collectEvery: 10 * time.Minute,
		ttl:          7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep moves every running job past its deadline to timeout and returns
// how many it moved. Jobs that finish while the sweep runs are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	running, err := r.jobs.ListJobs(ctx, job.ListOpts{State: job.StateRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	now := r.now()
	n := 0
	for _, j := range running {
		deadline, ok := j.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		if _, err := r.timeouter.Timeout(ctx, j.ID); err != nil {
			if errors.Is(err, vacalibration.ErrInvalidTransition) || vacalibration.IsNotFound(err) {
				continue
			}
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			r.logger.Warn("failed to time out job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("job timed out",
			slog.String("job_id", j.ID.String()),
			slog.Time("deadline", deadline),
		)
		n++
	}
	return n, nil
}

// Collect drops job records and index entries not written within the TTL.
func (r *Reaper) Collect(ctx context.Context) (int, error) {
	n, err := r.jobs.SweepJobs(ctx, r.now().Add(-r.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep expired jobs: %w", err)
	}
	if n > 0 {
		r.logger.Info("expired jobs collected", slog.Int("count", n))
	}
	return n, nil
}

// Start schedules Sweep and Collect. A pass still running when its next
// turn comes is not started twice.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reaper: already started")
	}
	if r.sweepEvery <= 0 || r.collectEvery <= 0 {
		return errors.New("reaper: intervals must be positive")
	}

	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.Schedule(cronlib.Every(r.sweepEvery), r.pass(ctx, "sweep", r.Sweep))
	c.Schedule(cronlib.Every(r.collectEvery), r.pass(ctx, "collect", r.Collect))
	c.Start()
	r.cron = c

	r.logger.Info("reaper started",
		slog.Duration("sweep_interval", r.sweepEvery),
		slog.Duration("collect_interval", r.collectEvery),
	)
	return nil
}

// Stop unschedules both passes and waits for a running one to return or
// for ctx to end.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		r.logger.Info("reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) pass(ctx context.Context, name string, fn func(context.Context) (int, error)) cronlib.FuncJob {
	return func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := fn(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper pass failed",
				slog.String("pass", name),
				slog.String("error", err.Error()),
			)
		}
	}
}
