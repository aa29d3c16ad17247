package live

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// Transport carries frames to one subscriber. Send is only ever called
// from a single goroutine.
type Transport interface {
	// Send writes f, giving up once deadline passes.
	Send(f *Frame, deadline time.Time) error
	Close() error
}

// Receiver is implemented by transports that also read from the
// subscriber. Receive blocks until a frame arrives or the peer goes away.
// Connections over a Receiver are dropped when the peer stays silent past
// the pong timeout; write-only transports are only dropped on write
// failure.
type Receiver interface {
	Receive() (*Frame, error)
}

var (
	// ErrBadFrame marks an inbound message that could not be decoded. The
	// connection stays open.
	ErrBadFrame = errors.New("live: bad frame")

	// ErrTooManyConnections is returned when the connection cap is reached.
	ErrTooManyConnections = errors.New("live: too many connections")

	// ErrPongTimeout is returned when a subscriber stopped answering.
	ErrPongTimeout = errors.New("live: no activity within pong timeout")

	// ErrWriteFailed wraps a failed or timed-out write.
	ErrWriteFailed = errors.New("live: write failed")

	// ErrClosed is returned once the manager is shutting down.
	ErrClosed = errors.New("live: manager closed")
)

// Conn is one registered live subscriber.
type Conn struct {
	ID          string
	JobID       id.JobID
	Subject     string
	ConnectedAt time.Time

	transport Transport
	receives  bool
	cancel    func()

	lastSeen atomic.Int64
	sent     atomic.Uint64

	control   chan *Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(jobID id.JobID, who *Identity, t Transport) *Conn {
	c := &Conn{
		ID:          id.NewSubscriberID().String(),
		JobID:       jobID,
		ConnectedAt: time.Now().UTC(),
		transport:   t,
		control:     make(chan *Frame, 8),
		done:        make(chan struct{}),
	}
	if who != nil {
		c.Subject = who.Subject
	}
	_, c.receives = t.(Receiver)
	c.touch()
	return c
}

// LastSeen returns when the subscriber last sent anything.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Sent returns the number of frames delivered.
func (c *Conn) Sent() uint64 { return c.sent.Load() }

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// queue hands a reply to the writer. Replies are dropped when the writer
// is behind.
func (c *Conn) queue(f *Frame) {
	select {
	case c.control <- f:
	case <-c.done:
	default:
	}
}

// hangUp marks the peer gone.
func (c *Conn) hangUp() {
	c.closeOnce.Do(func() { close(c.done) })
}
