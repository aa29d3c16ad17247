// Package controller owns the job state machine. Every change to a stored
// job goes through Controller: creation, the cache short-circuit, worker
// reports, cancellation, timeouts from the reaper, retries and deletion.
// Each change is serialized per job id, persisted, then announced on the
// event bus and to extensions.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/ext"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/scope"
	"github.com/cliu238/vacalibration/worker"
)

// Limits bound what a caller may ask for when creating a job.
type Limits struct {
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	MinPriority     int
	MaxPriority     int
	DefaultPriority int
	// MaxRetries is the retry budget of jobs created without one.
	MaxRetries int
	// MaxLogEntries caps the retained log lines per job.
	MaxLogEntries int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		DefaultTimeout:  30 * time.Minute,
		MaxTimeout:      120 * time.Minute,
		MinPriority:     1,
		MaxPriority:     10,
		DefaultPriority: 5,
		MaxRetries:      3,
		MaxLogEntries:   1000,
	}
}

// LimitsFromConfig extracts the job limits from cfg.
func LimitsFromConfig(cfg vacalibration.Config) Limits {
	return Limits{
		DefaultTimeout:  cfg.DefaultTimeout,
		MaxTimeout:      cfg.MaxTimeout,
		MinPriority:     cfg.MinPriority,
		MaxPriority:     cfg.MaxPriority,
		DefaultPriority: cfg.DefaultPriority,
		MaxRetries:      cfg.MaxRetries,
		MaxLogEntries:   cfg.MaxLogEntries,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithExtensions sets the extension registry notified of lifecycle events.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Controller) { c.exts = r }
}

// WithLimits replaces the job limits.
func WithLimits(l Limits) Option {
	return func(c *Controller) { c.limits = l }
}

// WithClock overrides the time source. Tests use it to age jobs.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the single writer of job state.
type Controller struct {
	jobs       job.Store
	cache      *cache.Cache
	bus        *event.Bus
	dispatcher *worker.Dispatcher
	exts       *ext.Registry
	limits     Limits
	logger     *slog.Logger
	now        func() time.Time
	locks      *keyedMutex
}

var _ worker.Reporter = (*Controller)(nil)

// New creates a Controller.
func New(jobs job.Store, c *cache.Cache, bus *event.Bus, d *worker.Dispatcher, opts ...Option) *Controller {
	ctl := &Controller{
		jobs:       jobs,
		cache:      c,
		bus:        bus,
		dispatcher: d,
		limits:     DefaultLimits(),
		logger:     slog.Default(),
		now:        time.Now,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// Create records a new pending job and either completes it from the result
// cache or dispatches it. The owner defaults to the caller in ctx.
//
// If the dispatch queue is unreachable the job is returned together with
// an error matching vacalibration.ErrUnavailable; it stays pending and can
// be dispatched again with Resubmit.
func (c *Controller) Create(ctx context.Context, name string, input json.RawMessage, opts ...job.Option) (*job.Job, error) {
	o := job.DefaultOptions()
	o.Priority = c.limits.DefaultPriority
	o.Timeout = c.limits.DefaultTimeout
	o.MaxRetries = c.limits.MaxRetries
	o.Owner = scope.Capture(ctx)
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.validate(name, &o); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	fp, err := cache.Fingerprint(name, input)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	j := &job.Job{
		Entity:      vacalibration.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Name:        name,
		Queue:       o.Queue,
		Input:       append(json.RawMessage(nil), input...),
		Fingerprint: fp,
		State:       job.StatePending,
		Priority:    o.Priority,
		Timeout:     o.Timeout,
		MaxRetries:  o.MaxRetries,
		RetryCount:  o.RetryCount,
		ParentID:    o.ParentID,
		BatchID:     o.BatchID,
		Group:       o.Group,
		GroupLimit:  o.GroupLimit,
		Owner:       o.Owner,
		UseCache:    o.UseCache,
	}
	if err := c.jobs.PutJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", name),
		slog.String("fingerprint", fp),
	)
	c.exts.EmitJobCreated(ctx, j)
	c.publish(ctx, j.ID, event.StatusPayload{Status: string(job.StatePending)})

	if j.UseCache {
		if done := c.fromCache(ctx, j); done != nil {
			return done, nil
		}
	}
	return c.dispatch(ctx, j)
}

func (c *Controller) validate(name string, o *job.Options) error {
	if name == "" {
		return fmt.Errorf("%w: job name is required", vacalibration.ErrInvalidInput)
	}
	if o.Queue == "" {
		o.Queue = job.DefaultQueue
	}
	if o.Priority < c.limits.MinPriority || o.Priority > c.limits.MaxPriority {
		return fmt.Errorf("%w: priority %d outside %d..%d",
			vacalibration.ErrInvalidInput, o.Priority, c.limits.MinPriority, c.limits.MaxPriority)
	}
	if o.Timeout == 0 {
		o.Timeout = c.limits.DefaultTimeout
	}
	if o.Timeout < 0 || (c.limits.MaxTimeout > 0 && o.Timeout > c.limits.MaxTimeout) {
		return fmt.Errorf("%w: timeout %s outside 0..%s",
			vacalibration.ErrInvalidInput, o.Timeout, c.limits.MaxTimeout)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", vacalibration.ErrInvalidInput)
	}
	return nil
}

// fromCache completes j from the result cache. It returns nil on a miss or
// when the cache cannot be read; the cache never blocks execution.
func (c *Controller) fromCache(ctx context.Context, j *job.Job) *job.Job {
	entry, ok, err := c.cache.Lookup(ctx, j.Fingerprint)
	if err != nil {
		c.logger.Warn("cache lookup failed, dispatching",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return nil
	}

	info := &job.CacheInfo{
		SourceJobID: entry.SourceJobID,
		Fingerprint: entry.Fingerprint,
		CachedAt:    entry.CachedAt,
	}
	done, err := c.apply(ctx, j.ID, func(*job.Job) (job.Report, error) {
		return job.Succeeded{Result: entry.Result, Cache: info}, nil
	})
	if err != nil {
		c.logger.Warn("cache hit could not be recorded, dispatching",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return done
}

func (c *Controller) dispatch(ctx context.Context, j *job.Job) (*job.Job, error) {
	h, err := c.dispatcher.Submit(ctx, j.ID, specFor(j))
	if err != nil {
		c.logger.Warn("dispatch failed, job left pending",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return j, err
	}
	c.logger.Debug("job dispatched",
		slog.String("job_id", j.ID.String()),
		slog.String("handle_id", h.ID.String()),
		slog.String("queue", h.Queue),
	)
	c.exts.EmitJobDispatched(ctx, j, h.ID)
	return j, nil
}

func specFor(j *job.Job) worker.Spec {
	return worker.Spec{
		Name:       j.Name,
		Input:      j.Input,
		Timeout:    j.Timeout,
		Queue:      j.Queue,
		Priority:   j.Priority,
		Owner:      j.Owner,
		Group:      j.Group,
		GroupLimit: j.GroupLimit,
	}
}

// maxWriteAttempts bounds how often apply re-reads a job whose conditional
// write lost to another process.
const maxWriteAttempts = 5

// apply is the only path that writes job state. Under the job's lock it
// reads the record, asks build for the report to apply, runs the state
// machine, and writes the result conditionally on the revision it read.
// When another process wrote the job in between, the cycle starts over
// from a fresh read, so a report is always judged against the latest
// state. Any failure leaves the stored job unchanged.
func (c *Controller) apply(ctx context.Context, jobID id.JobID, build func(*job.Job) (job.Report, error)) (*job.Job, error) {
	unlock := c.locks.lock(jobID.String())
	defer unlock()

	for attempt := 1; ; attempt++ {
		j, err := c.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		r, err := build(j)
		if err != nil {
			return nil, err
		}
		before := j.Clone()
		if err := job.Apply(j, r, c.now()); err != nil {
			return nil, err
		}
		err = c.jobs.UpdateJob(ctx, j)
		if errors.Is(err, vacalibration.ErrJobConflict) && attempt < maxWriteAttempts {
			c.logger.Debug("job changed concurrently, retrying",
				slog.String("job_id", jobID.String()),
				slog.String("report", job.ReportName(r)),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s job %s: %w", job.ReportName(r), jobID, err)
		}
		c.announce(ctx, before, j, r)
		return j.Clone(), nil
	}
}

func (c *Controller) announce(ctx context.Context, before, j *job.Job, r job.Report) {
	switch r.(type) {
	case job.Started:
		c.publish(ctx, j.ID, event.StatusPayload{Status: string(j.State), Previous: string(before.State)})
		c.exts.EmitJobStarted(ctx, j)

	case job.Progressed:
		if j.Progress != before.Progress || j.Stage != before.Stage {
			c.publish(ctx, j.ID, event.ProgressPayload{Percent: j.Progress, Stage: j.Stage})
		}

	case job.Succeeded:
		c.publish(ctx, j.ID, event.StatusPayload{Status: string(j.State), Previous: string(before.State)})
		res := event.ResultPayload{Result: j.Result, ExecutionTime: j.ExecutionTime().Seconds()}
		if j.Cache != nil {
			res.SourceJobID = j.Cache.SourceJobID.String()
			c.exts.EmitJobCacheHit(ctx, j)
		} else if j.UseCache {
			c.storeResult(ctx, j)
		}
		c.publish(ctx, j.ID, res)
		c.logger.Info("job completed",
			slog.String("job_id", j.ID.String()),
			slog.Bool("cached", j.Cache != nil),
		)
		c.exts.EmitJobCompleted(ctx, j, j.ExecutionTime())

	case job.Failed, job.Cancelled, job.TimedOut:
		c.publish(ctx, j.ID, event.StatusPayload{
			Status:   string(j.State),
			Previous: string(before.State),
			Message:  j.Error.Message,
		})
		c.publish(ctx, j.ID, event.ErrorPayload{
			Status:    string(j.State),
			ErrorKind: string(j.Error.Kind),
			Message:   j.Error.Message,
		})
		c.logger.Info("job finished unsuccessfully",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(j.State)),
			slog.String("error", j.Error.Message),
		)
		switch r.(type) {
		case job.Failed:
			c.exts.EmitJobFailed(ctx, j, j.Error)
		case job.Cancelled:
			c.exts.EmitJobCancelled(ctx, j)
		case job.TimedOut:
			c.exts.EmitJobTimedOut(ctx, j)
		}
	}
}

func (c *Controller) storeResult(ctx context.Context, j *job.Job) {
	if _, err := c.cache.Store(ctx, j.Fingerprint, j.Name, j.Result, j.ID); err != nil {
		c.logger.Warn("failed to cache result",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// publish announces p on the job's stream. The job state is already
// persisted, so a failure is only logged.
func (c *Controller) publish(ctx context.Context, jobID id.JobID, p event.Payload) {
	if _, err := c.bus.Publish(ctx, jobID, p); err != nil {
		c.logger.Warn("failed to publish event",
			slog.String("job_id", jobID.String()),
			slog.String("kind", string(p.Kind())),
			slog.String("error", err.Error()),
		)
	}
}

// appendLog stores one output line of a non-terminal job and publishes it.
func (c *Controller) appendLog(ctx context.Context, jobID id.JobID, level, text string) error {
	unlock := c.locks.lock(jobID.String())
	defer unlock()

	j, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := job.Next(j.State, job.Logged{Line: text}); err != nil {
		return err
	}
	if err := c.jobs.AppendLog(ctx, jobID, text, c.limits.MaxLogEntries); err != nil {
		return fmt.Errorf("append log %s: %w", jobID, err)
	}
	c.publish(ctx, jobID, event.LogPayload{Level: level, Line: text})
	return nil
}

// late reports whether err means a report arrived for a job that already
// finished or no longer exists.
func late(err error) bool {
	return errors.Is(err, vacalibration.ErrInvalidTransition) || vacalibration.IsNotFound(err)
}

func report(r job.Report) func(*job.Job) (job.Report, error) {
	return func(*job.Job) (job.Report, error) { return r, nil }
}
