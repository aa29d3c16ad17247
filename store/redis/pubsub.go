package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/stream"
)

// Compile-time interface check.
var _ event.Transport = (*Transport)(nil)

// Transport carries live events between processes over Redis Pub/Sub. It
// holds one pattern subscription for every job channel and feeds what it
// receives into a local stream.Broker, from which listeners read.
type Transport struct {
	client goredis.UniversalClient
	keys   keys
	broker *stream.Broker
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
	done   chan struct{}
}

// NewTransport creates a transport on the store's client and key prefix.
// Call Start before listening.
func NewTransport(s *Store, broker *stream.Broker) *Transport {
	return &Transport{
		client: s.client,
		keys:   s.keys,
		broker: broker,
		logger: s.logger,
	}
}

// Start opens the pattern subscription and begins relaying.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return nil
	}

	ps := t.client.PSubscribe(ctx, t.keys.livePattern())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close() //nolint:errcheck // best-effort cleanup
		return unavailable("psubscribe", err)
	}
	t.pubsub = ps
	t.done = make(chan struct{})
	go t.relay(ps.Channel(), t.done)

	t.logger.Info("redis event transport started", slog.String("pattern", t.keys.livePattern()))
	return nil
}

// Stop closes the subscription and waits for the relay to exit.
func (t *Transport) Stop(_ context.Context) error {
	t.mu.Lock()
	ps, done := t.pubsub, t.done
	t.pubsub = nil
	t.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (t *Transport) relay(ch <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	prefix := t.keys.live("")
	for msg := range ch {
		var e event.Event
		if err := msgpack.Unmarshal([]byte(msg.Payload), &e); err != nil {
			t.logger.Warn("dropping undecodable event",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			continue
		}
		if e.JobID == "" {
			e.JobID = strings.TrimPrefix(msg.Channel, prefix)
		}
		t.broker.Publish(&e)
	}
}

// Broadcast publishes e on its job's channel. Every process running a
// Transport, including this one, delivers it to local listeners.
func (t *Transport) Broadcast(ctx context.Context, e *event.Event) error {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("vacalibration/redis: encode live event: %w", err)
	}
	if err := t.client.Publish(ctx, t.keys.live(e.JobID), raw).Err(); err != nil {
		return unavailable("publish event", err)
	}
	return nil
}

// Listen opens a live feed for jobID on the local broker.
func (t *Transport) Listen(ctx context.Context, jobID string) (event.Listener, error) {
	return t.broker.Listen(ctx, jobID)
}
