// Package stream is the in-process broadcast fabric for job events. A
// [Broker] fans each event out to the listeners of its job with
// non-blocking sends, and implements event.Transport for single-process
// deployments. The Redis backend feeds a Broker from Redis Pub/Sub so that
// every process sees every event.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cliu238/vacalibration/event"
)

var _ event.Transport = (*Broker)(nil)

// DefaultBufferSize is the default per-listener event buffer.
const DefaultBufferSize = 256

// Broker routes events to the subscribers of their job.
type Broker struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.RWMutex
	jobs   map[string]map[string]*Subscriber // jobID → subscriberID → subscriber
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = max(size, 1) }
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		jobs:       make(map[string]map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for jobID's events. After Shutdown
// the subscriber comes back already closed.
func (b *Broker) Subscribe(jobID string) *Subscriber {
	sub := newSubscriber(uuid.NewString(), jobID, b.bufferSize, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub
	}
	subs, ok := b.jobs[jobID]
	if !ok {
		subs = make(map[string]*Subscriber)
		b.jobs[jobID] = subs
	}
	subs[sub.id] = sub
	return sub
}

func (b *Broker) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.jobs[sub.jobID]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.jobs, sub.jobID)
	}
}

// Publish delivers evt to the subscribers of evt.JobID and returns how many
// accepted it. A subscriber with a full buffer misses the event.
func (b *Broker) Publish(evt *event.Event) int {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.jobs[evt.JobID]))
	for _, sub := range b.jobs[evt.JobID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.send(evt) {
			delivered++
			continue
		}
		b.dropped.Add(1)
		b.logger.Debug("stream: subscriber buffer full, event dropped",
			slog.String("job_id", evt.JobID),
			slog.String("subscriber_id", sub.id),
			slog.Uint64("seq", evt.Seq),
		)
	}
	b.published.Add(1)
	return delivered
}

// Broadcast implements event.Transport.
func (b *Broker) Broadcast(_ context.Context, evt *event.Event) error {
	b.Publish(evt)
	return nil
}

// Listen implements event.Transport.
func (b *Broker) Listen(_ context.Context, jobID string) (event.Listener, error) {
	return b.Subscribe(jobID), nil
}

// Subscribers returns the number of subscribers of jobID.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.jobs[jobID])
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	// TopicCount is the number of jobs with at least one subscriber.
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	n := 0
	for _, subs := range b.jobs {
		n += len(subs)
	}
	topics := len(b.jobs)
	b.mu.RUnlock()
	return BrokerStats{
		TopicCount:      topics,
		SubscriberCount: n,
		TotalPublished:  b.published.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}

// Shutdown closes every subscriber and refuses new ones. It is safe to
// call more than once.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscriber
	for _, subs := range b.jobs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.jobs = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeChan()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(all)))
}
