package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/id"
)

// Defaults for a Manager.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxConnections    = 1024
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHeartbeatInterval sets how often subscribers are pinged. Zero
// disables pings.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithPongTimeout sets how long a subscriber may stay silent.
func WithPongTimeout(d time.Duration) Option {
	return func(m *Manager) { m.pongTimeout = d }
}

// WithWriteTimeout bounds every write to a subscriber.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithMaxConnections caps concurrent connections.
func WithMaxConnections(n int) Option {
	return func(m *Manager) { m.maxConns = n }
}

// Stats is a snapshot of live connections.
type Stats struct {
	Connections int            `json:"total_connections"`
	PerJob      map[string]int `json:"job_connections"`
	Served      uint64         `json:"served"`
	Dropped     uint64         `json:"dropped"`
}

// Manager tracks live connections and pumps job events to them. Every
// connection runs on its own goroutine with its own event subscription,
// so a stuck subscriber only ever blocks itself.
type Manager struct {
	bus          *event.Bus
	heartbeat    time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int
	logger       *slog.Logger
	slots        *semaphore.Weighted

	mu     sync.RWMutex
	conns  map[string]*Conn
	byJob  map[string]int
	closed bool
	wg     sync.WaitGroup

	served  atomic.Uint64
	dropped atomic.Uint64
}

// NewManager creates a Manager delivering events from bus.
func NewManager(bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{
		bus:          bus,
		heartbeat:    DefaultHeartbeatInterval,
		pongTimeout:  DefaultPongTimeout,
		writeTimeout: DefaultWriteTimeout,
		maxConns:     DefaultMaxConnections,
		logger:       slog.Default(),
		conns:        make(map[string]*Conn),
		byJob:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.slots = semaphore.NewWeighted(int64(max(m.maxConns, 1)))
	return m
}

// Serve registers a connection for jobID on t and blocks until it ends.
// The subscriber first gets a welcome frame, then the buffered events after
// after, then live events and periodic pings. t is closed on return.
//
// Serve returns nil when the peer hangs up or ctx ends, and an error
// matching ErrPongTimeout or ErrWriteFailed when the connection was
// dropped as dead.
func (m *Manager) Serve(ctx context.Context, t Transport, jobID id.JobID, after uint64, who *Identity) error {
	defer t.Close() //nolint:errcheck // connection is finished either way

	if !m.slots.TryAcquire(1) {
		m.reject(t, jobID, ErrCodeUnavailable, "too many live connections")
		return ErrTooManyConnections
	}
	defer m.slots.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConn(jobID, who, t)
	c.cancel = cancel
	if !m.add(c) {
		m.reject(t, jobID, ErrCodeUnavailable, "server shutting down")
		return ErrClosed
	}
	defer m.remove(c)

	sub, err := m.bus.Subscribe(ctx, jobID, after)
	if err != nil {
		m.reject(t, jobID, ErrCodeUnavailable, "event stream unavailable")
		return err
	}
	defer sub.Close() //nolint:errcheck // best-effort cleanup

	m.logger.Info("live connection opened",
		slog.String("conn_id", c.ID),
		slog.String("job_id", jobID.String()),
		slog.Uint64("after", after),
	)

	if r, ok := t.(Receiver); ok {
		go m.read(c, r)
	}

	err = m.pump(ctx, c, sub, after)
	if errors.Is(err, ErrPongTimeout) || errors.Is(err, ErrWriteFailed) {
		m.dropped.Add(1)
		m.logger.Warn("dead live connection dropped",
			slog.String("conn_id", c.ID),
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.logger.Info("live connection closed",
		slog.String("conn_id", c.ID),
		slog.String("job_id", jobID.String()),
		slog.Uint64("frames", c.Sent()),
	)
	return nil
}

func (m *Manager) pump(ctx context.Context, c *Conn, sub *event.Subscription, after uint64) error {
	jobID := c.JobID.String()
	if err := m.send(c, NewWelcomeFrame(jobID, c.ID, after)); err != nil {
		return err
	}

	var tick <-chan time.Time
	if m.heartbeat > 0 {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case f := <-c.control:
			if err := m.send(c, f); err != nil {
				return err
			}
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := m.send(c, NewEventFrame(e)); err != nil {
				return err
			}
		case now := <-tick:
			if c.receives && m.pongTimeout > 0 && now.Sub(c.LastSeen()) > m.pongTimeout {
				return ErrPongTimeout
			}
			if err := m.send(c, NewPingFrame(jobID)); err != nil {
				return err
			}
		}
	}
}

// read consumes inbound frames. Any frame counts as activity; pings are
// answered with pongs.
func (m *Manager) read(c *Conn, r Receiver) {
	for {
		f, err := r.Receive()
		switch {
		case errors.Is(err, ErrBadFrame):
			c.touch()
			c.queue(NewErrorFrame(c.JobID.String(), ErrCodeBadRequest, err.Error()))
			continue
		case err != nil:
			c.hangUp()
			return
		}
		c.touch()
		if f.Type == FramePing {
			c.queue(NewPongFrame(c.JobID.String()))
		}
	}
}

func (m *Manager) send(c *Conn, f *Frame) error {
	if err := c.transport.Send(f, time.Now().Add(m.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	c.sent.Add(1)
	return nil
}

// reject tells a subscriber it cannot be served.
func (m *Manager) reject(t Transport, jobID id.JobID, code int, msg string) {
	//nolint:errcheck // best-effort error response before disconnect
	t.Send(NewErrorFrame(jobID.String(), code, msg), time.Now().Add(m.writeTimeout))
}

func (m *Manager) add(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c.ID] = c
	m.byJob[c.JobID.String()]++
	m.wg.Add(1)
	m.served.Add(1)
	return true
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ID]; !ok {
		return
	}
	delete(m.conns, c.ID)
	key := c.JobID.String()
	if m.byJob[key]--; m.byJob[key] <= 0 {
		delete(m.byJob, key)
	}
	m.wg.Done()
}

// Get returns a registered connection.
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// JobConnections returns the number of open connections following jobID.
func (m *Manager) JobConnections(jobID id.JobID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byJob[jobID.String()]
}

// Stats returns a snapshot of the open connections.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	per := make(map[string]int, len(m.byJob))
	for k, v := range m.byJob {
		per[k] = v
	}
	return Stats{
		Connections: len(m.conns),
		PerJob:      per,
		Served:      m.served.Load(),
		Dropped:     m.dropped.Load(),
	}
}

// Shutdown refuses new connections, ends the open ones and waits for them
// to unregister or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, c := range m.conns {
		c.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
