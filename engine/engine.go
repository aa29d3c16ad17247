package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/controller"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/ext"
	"github.com/cliu238/vacalibration/live"
	mw "github.com/cliu238/vacalibration/middleware"
	"github.com/cliu238/vacalibration/observability"
	"github.com/cliu238/vacalibration/queue"
	"github.com/cliu238/vacalibration/reaper"
	"github.com/cliu238/vacalibration/runner"
	"github.com/cliu238/vacalibration/store"
	"github.com/cliu238/vacalibration/store/redis"
	"github.com/cliu238/vacalibration/stream"
	"github.com/cliu238/vacalibration/worker"
)

const instrumentationName = "github.com/cliu238/vacalibration"

// Engine holds the wired subsystems. Use Build to create one.
type Engine struct {
	o      *vacalibration.Orchestrator
	store  store.Store
	logger *slog.Logger

	extensions *ext.Registry
	runners    *runner.Registry
	mws        []mw.Middleware

	broker     *stream.Broker
	transport  event.Transport
	bus        *event.Bus
	cache      *cache.Cache
	dispatcher *worker.Dispatcher
	controller *controller.Controller
	batches    *batch.Coordinator
	reaper     *reaper.Reaper
	live       *live.Manager

	queueConfigs []queue.Config
	queueManager *queue.Manager
	pool         *worker.Pool

	// Roles. A serve-only process leaves execution to separate worker
	// processes; a worker-only process still needs the controller.
	workers bool
	reap    bool

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends execution middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithRunner registers the execution unit serving jobs named name.
func WithRunner(name string, r runner.Runner) Option {
	return func(eng *Engine) { eng.runners.Register(name, r) }
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTransport overrides the cross-process event transport. By default a
// Redis store gets Redis Pub/Sub and any other store stays in-process.
func WithTransport(t event.Transport) Option {
	return func(eng *Engine) { eng.transport = t }
}

// WithoutWorkers builds the engine without a local worker pool.
func WithoutWorkers() Option {
	return func(eng *Engine) { eng.workers = false }
}

// WithoutReaper builds the engine without the periodic timeout reaper.
func WithoutReaper() Option {
	return func(eng *Engine) { eng.reap = false }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension. If not set, the global
// otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build wires an Engine around o and registers its background runners
// with o. The orchestrator's store must implement store.Store.
func Build(o *vacalibration.Orchestrator, opts ...Option) (*Engine, error) {
	if o.Store() == nil {
		return nil, vacalibration.ErrNoStore
	}
	s, ok := o.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("vacalibration: store %T does not implement store.Store", o.Store())
	}

	logger := o.Logger()
	cfg := o.Config()
	eng := &Engine{
		o:          o,
		store:      s,
		logger:     logger,
		extensions: ext.NewRegistry(logger),
		runners:    runner.NewRegistry(),
		broker:     stream.NewBroker(logger),
		workers:    true,
		reap:       true,
	}
	for _, opt := range opts {
		opt(eng)
	}

	// Transport. Redis Pub/Sub relays into the local broker and has to be
	// running before anyone listens, so it is the first runner.
	if eng.transport == nil {
		if rs, ok := s.(*redis.Store); ok {
			t := redis.NewTransport(rs, eng.broker)
			o.AddRunner(t)
			eng.transport = t
		} else {
			eng.transport = eng.broker
		}
	}

	eng.bus = event.NewBus(s, eng.transport,
		event.WithReplaySize(cfg.ReplayBufferSize),
		event.WithLogger(logger),
	)
	eng.cache = cache.New(s, cache.WithTTL(cfg.CacheTTL), cache.WithLogger(logger))
	eng.dispatcher = worker.NewDispatcher(s, worker.WithDispatcherLogger(logger))

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.controller = controller.New(s, eng.cache, eng.bus, eng.dispatcher,
		controller.WithLogger(logger),
		controller.WithExtensions(eng.extensions),
		controller.WithLimits(controller.LimitsFromConfig(cfg)),
	)
	eng.batches = batch.NewCoordinator(s, eng.controller,
		batch.WithLogger(logger),
		batch.WithMaxSize(cfg.BatchMaxSize),
		batch.WithDefaultParallelLimit(cfg.DefaultParallelLimit),
		batch.WithNotifier(eng.extensions),
	)
	eng.reaper = reaper.New(s, eng.controller,
		reaper.WithLogger(logger),
		reaper.WithSweepInterval(cfg.ReaperInterval),
		reaper.WithCollectInterval(cfg.SweepInterval),
		reaper.WithTTL(cfg.JobTTL),
	)
	eng.live = live.NewManager(eng.bus,
		live.WithLogger(logger),
		live.WithHeartbeatInterval(cfg.HeartbeatInterval),
		live.WithPongTimeout(cfg.PongTimeout),
		live.WithMaxConnections(cfg.MaxConnections),
	)

	eng.queueManager = queue.NewManager(eng.queueConfigs...)
	eng.queueManager.SetOwnerLimit(cfg.UserConcurrency)

	if eng.workers {
		executor := worker.NewExecutor(eng.runners, eng.controller, logger, eng.middleware(cfg)...)
		eng.pool = worker.NewPool(s, executor, logger,
			worker.WithPoolConcurrency(cfg.Concurrency),
			worker.WithPollInterval(cfg.PollInterval),
			worker.WithQueueManager(eng.queueManager),
		)
		o.AddRunner(eng.pool)
	}
	if eng.reap {
		o.AddRunner(eng.reaper)
	}
	// Registered last so live connections are closed first on Stop.
	o.AddRunner(lifecycle{stop: eng.live.Shutdown})
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// middleware builds the execution stack:
// recover → tracing → metrics → logging → deadline → user middleware.
func (eng *Engine) middleware(cfg vacalibration.Config) []mw.Middleware {
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	// The deadline only reclaims the process; the reaper owns the timeout
	// transition, so the run is allowed one more reaper pass.
	mws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger, cfg.ReaperInterval),
	}
	return append(mws, eng.mws...)
}

// lifecycle adapts plain functions to vacalibration.Runner.
type lifecycle struct {
	start func(context.Context) error
	stop  func(context.Context) error
}

func (l lifecycle) Start(ctx context.Context) error {
	if l.start == nil {
		return nil
	}
	return l.start(ctx)
}

func (l lifecycle) Stop(ctx context.Context) error {
	if l.stop == nil {
		return nil
	}
	return l.stop(ctx)
}

// Start starts every background runner.
func (eng *Engine) Start(ctx context.Context) error { return eng.o.Start(ctx) }

// Stop stops the runners, notifies extensions and closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	err := eng.o.Stop(ctx)
	eng.broker.Shutdown()
	return err
}

// Ping checks the backing store.
func (eng *Engine) Ping(ctx context.Context) error { return eng.o.Ping(ctx) }

// Orchestrator returns the orchestrator the engine was built on.
func (eng *Engine) Orchestrator() *vacalibration.Orchestrator { return eng.o }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Runners returns the runner registry.
func (eng *Engine) Runners() *runner.Registry { return eng.runners }

// Broker returns the in-process stream broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Bus returns the event bus.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Cache returns the result cache.
func (eng *Engine) Cache() *cache.Cache { return eng.cache }

// Dispatcher returns the dispatcher.
func (eng *Engine) Dispatcher() *worker.Dispatcher { return eng.dispatcher }

// Controller returns the job controller.
func (eng *Engine) Controller() *controller.Controller { return eng.controller }

// Batches returns the batch coordinator.
func (eng *Engine) Batches() *batch.Coordinator { return eng.batches }

// Reaper returns the timeout reaper. It is built even when the engine
// does not run it periodically, so a one-shot sweep is always possible.
func (eng *Engine) Reaper() *reaper.Reaper { return eng.reaper }

// Live returns the live connection manager.
func (eng *Engine) Live() *live.Manager { return eng.live }

// QueueManager returns the queue manager that gates local run starts.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Pool returns the worker pool, or nil when built WithoutWorkers.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }
