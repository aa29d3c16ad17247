package stream

import (
	"sync"
	"sync/atomic"

	"github.com/cliu238/vacalibration/event"
)

// Subscriber receives one job's events. Sends never block: when the
// buffer is full the event is dropped and the reader is expected to
// backfill from the replay buffer.
type Subscriber struct {
	id     string
	jobID  string
	ch     chan *event.Event
	broker *Broker

	// mu guards ch against a send racing with close.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func newSubscriber(id, jobID string, bufferSize int, b *Broker) *Subscriber {
	return &Subscriber{
		id:     id,
		jobID:  jobID,
		ch:     make(chan *event.Event, bufferSize),
		broker: b,
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// JobID returns the job the subscriber follows.
func (s *Subscriber) JobID() string { return s.jobID }

// C returns the event channel. It is closed by Close or broker shutdown.
func (s *Subscriber) C() <-chan *event.Event { return s.ch }

// Dropped returns how many events missed this subscriber because its
// buffer was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) send(evt *event.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// closeChan closes the channel without touching the broker.
func (s *Subscriber) closeChan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Close detaches the subscriber from its broker and closes its channel.
// It is safe to call more than once.
func (s *Subscriber) Close() error {
	if s.closeChan() {
		s.broker.remove(s)
	}
	return nil
}
