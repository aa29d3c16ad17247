package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue behaviour such as rate limiting and concurrency.
// A queue here is any concurrency group a handle names: the dispatch queue
// itself or a batch group such as "batch:<id>".
type Config struct {
	// Name is the queue or group identifier.
	Name string

	// MaxConcurrency limits how many runs from this queue may execute at
	// once in the local worker pool. Zero means no queue-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained runs per second started from this
	// queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token bucket. Defaults to 1 when
	// RateLimit is set.
	RateBurst int
}

type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager gates run starts on per-queue and per-owner limits. It is safe
// for concurrent use.
type Manager struct {
	mu         sync.Mutex
	queues     map[string]*queueState
	owners     map[string]*ownerState
	ownerLimit int
}

// NewManager creates a Manager with the given queue configurations. Queues
// not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues: make(map[string]*queueState, len(configs)),
		owners: make(map[string]*ownerState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return qs
}

// Acquire checks every limit that applies to a run from queue on behalf
// of owner. When the run may start it counts it as active and returns
// true; the caller must then call Release with the same arguments.
func (m *Manager) Acquire(queue, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs != nil && qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}

	ow := m.ownerLocked(owner)
	if ow != nil && ow.maxConcurrency > 0 && ow.active >= ow.maxConcurrency {
		return false
	}

	// Tokens are only spent once the concurrency gates passed.
	if qs != nil && qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if ow != nil && ow.limiter != nil && !ow.limiter.Allow() {
		return false
	}

	if qs != nil {
		qs.active++
	}
	if ow != nil {
		ow.active++
	}
	return true
}

// Release decrements the active counts taken by Acquire.
func (m *Manager) Release(queue, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
	if owner != "" {
		if ow := m.owners[owner]; ow != nil && ow.active > 0 {
			ow.active--
		}
	}
}

// SetQueueConfig updates or creates a queue configuration, keeping the
// current active count.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// EnsureLimit installs a concurrency limit for name unless the queue is
// already configured. Workers call it for batch groups they have not seen
// before.
func (m *Manager) EnsureLimit(name string, maxConcurrency int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; ok {
		return
	}
	m.queues[name] = newQueueState(Config{Name: name, MaxConcurrency: maxConcurrency})
}

// Forget drops an idle queue configuration. Queues with active runs are
// kept so their counts stay balanced.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[name]; qs != nil && qs.active == 0 {
		delete(m.queues, name)
	}
}

// ActiveCount returns the current number of active runs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
