package event

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// DefaultReplaySize is the default number of events kept per job.
const DefaultReplaySize = 100

// DefaultResyncInterval is how often an idle subscription checks the
// replay buffer for events its listener dropped.
const DefaultResyncInterval = 5 * time.Second

// Option configures a Bus.
type Option func(*Bus)

// WithReplaySize sets how many events are kept per job for late
// subscribers.
func WithReplaySize(n int) Option {
	return func(b *Bus) { b.keep = n }
}

// WithResyncInterval sets how often an idle subscription re-reads the
// replay buffer for events its listener dropped. Zero disables resync.
func WithResyncInterval(d time.Duration) Option {
	return func(b *Bus) { b.resync = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus provides sequenced publish and replaying subscribe over an event
// Store and a live Transport.
type Bus struct {
	store     Store
	transport Transport
	keep      int
	resync    time.Duration
	logger    *slog.Logger
}

// NewBus creates an event bus backed by the given store and transport.
func NewBus(store Store, transport Transport, opts ...Option) *Bus {
	b := &Bus{
		store:     store,
		transport: transport,
		keep:      DefaultReplaySize,
		resync:    DefaultResyncInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the event in the replay buffer under the job's next
// sequence number and broadcasts it. A broadcast failure is logged; the
// event stays replayable.
func (b *Bus) Publish(ctx context.Context, jobID id.JobID, p Payload) (*Event, error) {
	e, err := New(jobID.String(), 0, p)
	if err != nil {
		return nil, err
	}
	if err := b.store.AppendEvent(ctx, e, b.keep); err != nil {
		return nil, fmt.Errorf("event: append: %w", err)
	}
	if err := b.transport.Broadcast(ctx, e); err != nil {
		b.logger.Warn("event broadcast failed",
			slog.String("job_id", e.JobID),
			slog.Uint64("seq", e.Seq),
			slog.String("error", err.Error()),
		)
	}
	return e, nil
}

// Replay returns the buffered events after afterSeq.
func (b *Bus) Replay(ctx context.Context, jobID id.JobID, afterSeq uint64) ([]*Event, error) {
	return b.store.RecentEvents(ctx, jobID, afterSeq)
}

// Forget drops the replay buffer and counter of jobID.
func (b *Bus) Forget(ctx context.Context, jobID id.JobID) error {
	return b.store.DeleteEvents(ctx, jobID)
}

// Subscribe opens a stream of jobID's events with Seq > afterSeq. Buffered
// history is delivered first, then live events. Delivered sequence numbers
// strictly increase; an event whose predecessor was evicted before it
// could be delivered carries the number of missed events in Gap.
func (b *Bus) Subscribe(ctx context.Context, jobID id.JobID, afterSeq uint64) (*Subscription, error) {
	// Listen before reading history so nothing published in between is lost.
	l, err := b.transport.Listen(ctx, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("event: listen: %w", err)
	}
	history, err := b.store.RecentEvents(ctx, jobID, afterSeq)
	if err != nil {
		_ = l.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("event: replay: %w", err)
	}

	s := &Subscription{
		bus:      b,
		jobID:    jobID,
		listener: l,
		last:     afterSeq,
		out:      make(chan *Event, len(history)+16),
		done:     make(chan struct{}),
	}
	go s.run(ctx, history)
	return s, nil
}

// Subscription is one subscriber's ordered view of a job's events.
type Subscription struct {
	bus      *Bus
	jobID    id.JobID
	listener Listener
	out      chan *Event

	mu   sync.Mutex
	last uint64

	done      chan struct{}
	closeOnce sync.Once
}

// C returns the ordered event channel. It is closed when the subscription
// ends.
func (s *Subscription) C() <-chan *Event { return s.out }

// JobID returns the subscribed job.
func (s *Subscription) JobID() id.JobID { return s.jobID }

// Last returns the highest sequence number delivered so far.
func (s *Subscription) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close ends the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

func (s *Subscription) run(ctx context.Context, history []*Event) {
	defer close(s.out)
	defer s.Close() //nolint:errcheck // listener close on exit

	for _, e := range history {
		if !s.emit(ctx, e) {
			return
		}
	}

	var resync <-chan time.Time
	if s.bus.resync > 0 {
		t := time.NewTicker(s.bus.resync)
		defer t.Stop()
		resync = t.C
	}

	live := s.listener.C()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-resync:
			if !s.backfill(ctx, math.MaxUint64) {
				return
			}
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= s.Last() {
				continue
			}
			if e.Seq > s.Last()+1 && !s.backfill(ctx, e.Seq) {
				return
			}
			if !s.emit(ctx, e) {
				return
			}
		}
	}
}

// backfill delivers buffered events between the last delivered sequence
// and before, which a slow listener dropped.
func (s *Subscription) backfill(ctx context.Context, before uint64) bool {
	missed, err := s.bus.store.RecentEvents(ctx, s.jobID, s.Last())
	if err != nil {
		s.bus.logger.Warn("event backfill failed",
			slog.String("job_id", s.jobID.String()),
			slog.String("error", err.Error()),
		)
		return true
	}
	for _, e := range missed {
		if e.Seq >= before {
			break
		}
		if !s.emit(ctx, e) {
			return false
		}
	}
	return true
}

// emit delivers e if it advances the sequence, recording any gap.
func (s *Subscription) emit(ctx context.Context, e *Event) bool {
	s.mu.Lock()
	if e.Seq <= s.last {
		s.mu.Unlock()
		return true
	}
	cp := *e
	if expected := s.last + 1; cp.Seq > expected {
		cp.Gap = cp.Seq - expected
	}
	s.last = cp.Seq
	s.mu.Unlock()

	select {
	case s.out <- &cp:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
