package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	vacalibration "github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
)

// Entry is a cached result. It is written once and only ever replaced.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	JobName     string          `json:"job_name"`
	Result      json.RawMessage `json:"result"`
	SourceJobID id.JobID        `json:"source_job_id"`
	CachedAt    time.Time       `json:"cached_at"`
}

// Size is the approximate number of bytes the entry occupies.
func (e *Entry) Size() int64 {
	return int64(len(e.Fingerprint) + len(e.JobName) + len(e.Result) + len(e.SourceJobID.String()) + 32)
}

// Store defines the persistence contract for cache entries.
type Store interface {
	// GetCacheEntry returns the entry for fingerprint, or
	// vacalibration.ErrCacheMiss.
	GetCacheEntry(ctx context.Context, fingerprint string) (*Entry, error)

	// PutCacheEntry stores e with its own TTL, replacing any previous entry.
	PutCacheEntry(ctx context.Context, e *Entry, ttl time.Duration) error

	// ListCacheEntries returns every live entry, oldest first.
	ListCacheEntries(ctx context.Context) ([]*Entry, error)

	// DeleteCacheEntry removes an entry and reports whether it existed.
	DeleteCacheEntry(ctx context.Context, fingerprint string) (bool, error)
}

// Stats summarizes the cache contents and this process's hit rate.
type Stats struct {
	Count           int        `json:"count"`
	ApproximateSize int64      `json:"approximate_size"`
	Oldest          *time.Time `json:"oldest,omitempty"`
	Newest          *time.Time `json:"newest,omitempty"`
	Hits            int64      `json:"hits"`
	Misses          int64      `json:"misses"`
	HitRate         float64    `json:"hit_rate"`
}

// Predicate selects entries for Clear.
type Predicate func(*Entry) bool

// All selects every entry.
func All() Predicate { return func(*Entry) bool { return true } }

// ByJobName selects entries produced by jobs named name.
func ByJobName(name string) Predicate {
	return func(e *Entry) bool { return e.JobName == name }
}

// CachedBefore selects entries stored before t.
func CachedBefore(t time.Time) Predicate {
	return func(e *Entry) bool { return e.CachedAt.Before(t) }
}

// And selects entries matching every predicate.
func And(preds ...Predicate) Predicate {
	return func(e *Entry) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry TTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is the result cache service.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry TTL.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the entry for fingerprint. ok is false on a miss; err is
// non-nil only when the store could not answer.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (entry *Entry, ok bool, err error) {
	e, err := c.store.GetCacheEntry(ctx, fingerprint)
	switch {
	case errors.Is(err, vacalibration.ErrCacheMiss):
		c.misses.Add(1)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	c.hits.Add(1)
	return e, true, nil
}

// Store writes a result under fingerprint. Last write wins.
func (c *Cache) Store(ctx context.Context, fingerprint, jobName string, result json.RawMessage, source id.JobID) (*Entry, error) {
	e := &Entry{
		Fingerprint: fingerprint,
		JobName:     jobName,
		Result:      append(json.RawMessage(nil), result...),
		SourceJobID: source,
		CachedAt:    time.Now().UTC(),
	}
	if err := c.store.PutCacheEntry(ctx, e, c.ttl); err != nil {
		return nil, err
	}
	c.logger.Debug("result cached",
		slog.String("fingerprint", fingerprint),
		slog.String("job_id", source.String()),
	)
	return e, nil
}

// Stats scans the cache and reports its contents.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Count:  len(entries),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, e := range entries {
		s.ApproximateSize += e.Size()
		at := e.CachedAt
		if s.Oldest == nil || at.Before(*s.Oldest) {
			s.Oldest = &at
		}
		if s.Newest == nil || at.After(*s.Newest) {
			s.Newest = &at
		}
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

// Clear deletes every entry matching pred and returns how many were
// removed.
func (c *Cache) Clear(ctx context.Context, pred Predicate) (int, error) {
	if pred == nil {
		pred = All()
	}
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !pred(e) {
			continue
		}
		ok, err := c.store.DeleteCacheEntry(ctx, e.Fingerprint)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	c.logger.Info("cache cleared", slog.Int("removed", removed))
	return removed, nil
}
