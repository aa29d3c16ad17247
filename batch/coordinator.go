package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/scope"
)

const (
	// DefaultParallelLimit applies when a batch is created without one.
	DefaultParallelLimit = 5
	// MaxParallelLimit is the largest accepted parallel limit.
	MaxParallelLimit = 10
	// DefaultMaxSize caps the number of members in one batch.
	DefaultMaxSize = 50
)

// Jobs is the part of the job controller the coordinator drives.
type Jobs interface {
	Create(ctx context.Context, name string, input json.RawMessage, opts ...job.Option) (*job.Job, error)
	Get(ctx context.Context, jobID id.JobID) (*job.Job, error)
}

// Notifier is told about new batches. *ext.Registry satisfies it.
type Notifier interface {
	EmitBatchCreated(ctx context.Context, b *Batch)
}

// Params describes a batch at creation time.
type Params struct {
	Name string
	// ParallelLimit caps how many members execute at once. Zero means
	// DefaultParallelLimit.
	ParallelLimit int
	FailFast      bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMaxSize caps the number of members per batch.
func WithMaxSize(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxSize = n }
}

// WithNotifier sets who is told about new batches.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithDefaultParallelLimit sets the parallel limit of batches created
// without one.
func WithDefaultParallelLimit(n int) CoordinatorOption {
	return func(c *Coordinator) { c.defaultLimit = n }
}

// WithReadConcurrency bounds concurrent member reads during Status.
func WithReadConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) { c.reads = n }
}

// Coordinator creates batches and computes their rollups. It never writes
// member jobs itself; all job state belongs to the controller.
type Coordinator struct {
	store    Store
	jobs     Jobs
	notifier Notifier
	maxSize  int
	reads    int
	logger   *slog.Logger

	defaultLimit int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s Store, jobs Jobs, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:        s,
		jobs:         jobs,
		maxSize:      DefaultMaxSize,
		reads:        8,
		logger:       slog.Default(),
		defaultLimit: DefaultParallelLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) validate(n int, p *Params) error {
	if n == 0 {
		return fmt.Errorf("%w: a batch needs at least one job", vacalibration.ErrInvalidInput)
	}
	if c.maxSize > 0 && n > c.maxSize {
		return fmt.Errorf("%w: batch of %d exceeds the limit of %d", vacalibration.ErrInvalidInput, n, c.maxSize)
	}
	if p.ParallelLimit == 0 {
		p.ParallelLimit = c.defaultLimit
	}
	if p.ParallelLimit < 1 || p.ParallelLimit > MaxParallelLimit {
		return fmt.Errorf("%w: parallel_limit %d outside 1..%d",
			vacalibration.ErrInvalidInput, p.ParallelLimit, MaxParallelLimit)
	}
	return nil
}

// Create groups existing jobs under a new batch. Every job must exist and
// be visible to the caller; a job may appear only once.
func (c *Coordinator) Create(ctx context.Context, jobIDs []id.JobID, p Params) (*Batch, error) {
	if err := c.validate(len(jobIDs), &p); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(jobIDs))
	for _, jid := range jobIDs {
		if _, dup := seen[jid.String()]; dup {
			return nil, fmt.Errorf("%w: job %s listed twice", vacalibration.ErrInvalidInput, jid)
		}
		seen[jid.String()] = struct{}{}
		if _, err := c.jobs.Get(ctx, jid); err != nil {
			return nil, err
		}
	}

	b := c.newBatch(p)
	b.JobIDs = append(b.JobIDs, jobIDs...)
	if err := c.save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Submit creates one member job per input and the batch holding them.
// Members share a concurrency group capped at the parallel limit.
//
// When the dispatch queue is unreachable the members are still created
// and left pending; the batch is returned together with an error matching
// vacalibration.ErrUnavailable.
func (c *Coordinator) Submit(ctx context.Context, name string, inputs []json.RawMessage, p Params, opts ...job.Option) (*Batch, error) {
	if err := c.validate(len(inputs), &p); err != nil {
		return nil, err
	}

	b := c.newBatch(p)
	opts = append(opts[:len(opts):len(opts)],
		job.WithBatch(b.ID),
		job.WithGroup(b.Group(), p.ParallelLimit),
	)

	var dispatchErr error
	for i, in := range inputs {
		j, err := c.jobs.Create(ctx, name, in, opts...)
		if j == nil {
			if len(b.JobIDs) == 0 {
				return nil, err
			}
			// Keep the members already created reachable through the batch.
			if serr := c.save(ctx, b); serr != nil {
				c.logger.Warn("failed to save partial batch",
					slog.String("batch_id", b.ID.String()),
					slog.String("error", serr.Error()),
				)
			}
			return b, fmt.Errorf("batch member %d: %w", i, err)
		}
		b.JobIDs = append(b.JobIDs, j.ID)
		if err != nil && dispatchErr == nil {
			dispatchErr = err
		}
	}

	if err := c.save(ctx, b); err != nil {
		return nil, err
	}
	return b, dispatchErr
}

func (c *Coordinator) newBatch(p Params) *Batch {
	now := time.Now().UTC()
	return &Batch{
		Entity:        vacalibration.Entity{CreatedAt: now, UpdatedAt: now},
		ID:            id.NewBatchID(),
		Name:          p.Name,
		ParallelLimit: p.ParallelLimit,
		FailFast:      p.FailFast,
	}
}

func (c *Coordinator) save(ctx context.Context, b *Batch) error {
	if b.Owner == "" {
		b.Owner = scope.Capture(ctx)
	}
	if err := c.store.PutBatch(ctx, b); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	c.logger.Info("batch created",
		slog.String("batch_id", b.ID.String()),
		slog.Int("jobs", len(b.JobIDs)),
		slog.Int("parallel_limit", b.ParallelLimit),
	)
	if c.notifier != nil {
		c.notifier.EmitBatchCreated(ctx, b)
	}
	return nil
}

// Get returns a batch visible to the caller.
func (c *Coordinator) Get(ctx context.Context, batchID id.BatchID) (*Batch, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(ctx, b.Owner) {
		return nil, fmt.Errorf("%w: batch %s", vacalibration.ErrForbidden, batchID)
	}
	return b, nil
}

// Status re-reads every member job and returns the batch rollup. Members
// that no longer exist count as failed.
func (c *Coordinator) Status(ctx context.Context, batchID id.BatchID) (Rollup, error) {
	b, err := c.Get(ctx, batchID)
	if err != nil {
		return Rollup{}, err
	}

	jobs := make([]*job.Job, len(b.JobIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.reads, 1))
	for i, jid := range b.JobIDs {
		g.Go(func() error {
			j, err := c.jobs.Get(gctx, jid)
			switch {
			case err == nil:
				jobs[i] = j
			case errors.Is(err, vacalibration.ErrJobNotFound):
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Rollup{}, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return Aggregate(b, jobs), nil
}
