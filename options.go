package vacalibration

import (
	"context"
	"errors"
	"log/slog"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator. It covers
// lifecycle operations only; the composite store.Store is used by the
// subsystem layers so that this package stays free of import cycles.
type Storer interface {
	Ping(ctx context.Context) error
	Close() error
}

// Runner is a background component with a start/stop lifecycle, such as
// the worker pool or the reaper.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Orchestrator owns configuration, logging, the store, and the lifecycle
// of background runners. The engine package wires the subsystems into it.
type Orchestrator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []Runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// AddRunner registers a background runner (called by the engine package).
// Runners start in registration order and stop in reverse order.
func (o *Orchestrator) AddRunner(r Runner) { o.runners = append(o.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (o *Orchestrator) SetExtensions(e extensionEmitter) { o.extensions = e }

// Ping checks the backing store.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if o.store == nil {
		return ErrNoStore
	}
	return Unavailable(o.store.Ping(ctx))
}

// Start launches every registered runner.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.store == nil {
		return ErrNoStore
	}
	if o.started {
		return nil
	}
	for i, r := range o.runners {
		if err := r.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = o.runners[j].Stop(ctx) //nolint:errcheck // best-effort rollback
			}
			return err
		}
	}
	o.started = true
	o.logger.Info("orchestrator started", slog.Int("runners", len(o.runners)))
	return nil
}

// Stop gracefully shuts down runners, notifies extensions, and closes the
// store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs []error
	if o.started {
		for i := len(o.runners) - 1; i >= 0; i-- {
			if err := o.runners[i].Stop(ctx); err != nil {
				o.logger.Error("runner stop error", slog.String("error", err.Error()))
				errs = append(errs, err)
			}
		}
		o.started = false
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.config = cfg
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrent execution units.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			return ErrInvalidInput
		}
		o.config.Concurrency = n
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; the engine package requires the composite store.Store.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}
