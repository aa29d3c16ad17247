package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/backoff"
	"github.com/cliu238/vacalibration/id"
)

// QueueManager gates run starts on per-group and per-owner limits. The pool
// calls Acquire before running a dequeued handle and Release afterwards.
type QueueManager interface {
	Acquire(group, owner string) bool
	Release(group, owner string)
	// EnsureLimit installs a concurrency limit for a group the first time
	// it is seen.
	EnsureLimit(group string, maxConcurrency int)
}

// Pool manages concurrent worker goroutines that dequeue handles and run
// them through the Executor.
type Pool struct {
	store        Store
	executor     *Executor
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// heartbeatInterval is how often active handles are heartbeated and
	// checked for revocation.
	heartbeatInterval time.Duration

	queueManager QueueManager

	// errBackoff spaces out dequeue attempts while the store is failing.
	errBackoff backoff.Strategy

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool heartbeats active handles
// and picks up terminate requests. A zero value disables both.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the queue manager for per-group and per-owner
// limits.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithErrorBackoff sets the delay strategy applied after consecutive
// dequeue errors.
func WithErrorBackoff(b backoff.Strategy) PoolOption {
	return func(p *Pool) { p.errBackoff = b }
}

// NewPool creates a worker pool.
func NewPool(store Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:             store,
		executor:          executor,
		concurrency:       4,
		queues:            []string{DefaultQueue},
		pollInterval:      time.Second,
		heartbeatInterval: 5 * time.Second,
		workerID:          id.NewWorkerID(),
		errBackoff:        backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
		logger:            logger,
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. When ctx
// ends first, active runs are cancelled; their jobs stay running until the
// reaper times them out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	failures := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		h, err := p.store.DequeueHandle(context.Background(), p.queues, p.workerID.String())
		if err != nil {
			failures++
			delay := p.errBackoff.Delay(failures)
			p.logger.Error("dequeue error",
				slog.String("error", err.Error()),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
			)
			p.wait(delay)
			continue
		}
		failures = 0
		if h == nil {
			p.sleep()
			continue
		}

		if !p.acquire(h) {
			if rqErr := p.store.RequeueHandle(context.Background(), h.ID); rqErr != nil &&
				!errors.Is(rqErr, vacalibration.ErrInvalidTransition) {
				p.logger.Error("failed to requeue limited handle",
					slog.String("handle_id", h.ID.String()),
					slog.String("error", rqErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		p.run(h)
		p.release(h)
	}
}

func (p *Pool) run(h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.trackJob(h.ID.String(), cancel)
	defer p.untrackJob(h.ID.String())

	state, err := p.executor.Execute(ctx, h)
	if err != nil {
		p.logger.Debug("execution ended with error",
			slog.String("job_id", h.JobID.String()),
			slog.String("handle_id", h.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	// A revoked handle is already terminal in the store.
	if state == HandleRevoked {
		state = HandleFailed
	}
	if _, ferr := p.store.FinishHandle(context.Background(), h.ID, state, false); ferr != nil &&
		!errors.Is(ferr, vacalibration.ErrInvalidTransition) {
		p.logger.Error("failed to finish handle",
			slog.String("handle_id", h.ID.String()),
			slog.String("error", ferr.Error()),
		)
	}
}

func (p *Pool) acquire(h *Handle) bool {
	if p.queueManager == nil {
		return true
	}
	if h.Group != "" && h.GroupLimit > 0 {
		p.queueManager.EnsureLimit(h.Group, h.GroupLimit)
	}
	return p.queueManager.Acquire(h.ConcurrencyGroup(), h.Owner)
}

func (p *Pool) release(h *Handle) {
	if p.queueManager != nil {
		p.queueManager.Release(h.ConcurrencyGroup(), h.Owner)
	}
}

// heartbeatLoop keeps active handles fresh and kills runs whose handle was
// revoked with terminate.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	handles := make([]string, 0, len(p.activeJobs))
	for hid := range p.activeJobs {
		handles = append(handles, hid)
	}
	p.activeMu.Unlock()

	for _, raw := range handles {
		hid, err := id.ParseHandleID(raw)
		if err != nil {
			p.logger.Warn("heartbeat: invalid handle id", slog.String("handle_id", raw))
			continue
		}
		h, err := p.store.HeartbeatHandle(context.Background(), hid)
		if err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("handle_id", raw),
				slog.String("error", err.Error()),
			)
			continue
		}
		if h.State == HandleRevoked && h.Terminate {
			p.logger.Info("terminating revoked run",
				slog.String("job_id", h.JobID.String()),
				slog.String("handle_id", raw),
			)
			p.cancelJob(raw)
		}
	}
}

func (p *Pool) sleep() { p.wait(p.pollInterval) }

func (p *Pool) wait(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(hid string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[hid] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(hid string) {
	p.activeMu.Lock()
	delete(p.activeJobs, hid)
	p.activeMu.Unlock()
}

func (p *Pool) cancelJob(hid string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if cancel, ok := p.activeJobs[hid]; ok {
		cancel()
	}
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for hid, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active run", slog.String("handle_id", hid))
		cancel()
	}
}
