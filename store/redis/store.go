package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/worker"
)

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ cache.Store  = (*Store)(nil)
	_ event.Store  = (*Store)(nil)
	_ worker.Store = (*Store)(nil)
	_ batch.Store  = (*Store)(nil)
)

// DefaultTTL bounds job, batch and handle records and their derived keys.
const DefaultTTL = 7 * 24 * time.Hour

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keys{prefix: prefix} }
}

// WithTTL sets the TTL refreshed on every job, batch and handle write.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keys
	ttl    time.Duration
	logger *slog.Logger
	owned  bool
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   keys{prefix: DefaultPrefix},
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and returns a Store that owns the resulting
// client; Close releases it.
func Open(url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(o), opts...)
	s.owned = true
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Prefix returns the key prefix in use.
func (s *Store) Prefix() string { return s.keys.prefix }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client when the store created it through Open. A
// client passed to New belongs to the caller and is left open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// unavailable wraps a transport failure so callers can tell "can't tell
// right now" from "never existed".
func unavailable(op string, err error) error {
	return vacalibration.Unavailable(fmt.Errorf("vacalibration/redis: %s: %w", op, err))
}

func isNil(err error) bool { return errors.Is(err, goredis.Nil) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseTime(v)
	return &t
}
