package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/cache"
)

// GetCacheEntry returns the entry stored under fingerprint.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*cache.Entry, error) {
	raw, err := s.client.Get(ctx, s.keys.cache(fingerprint)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, vacalibration.ErrCacheMiss
		}
		return nil, unavailable("get cache entry", err)
	}
	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("vacalibration/redis: decode cache entry: %w", err)
	}
	return &e, nil
}

// PutCacheEntry writes e with its own TTL and records it in the cache
// index. The entry is replaced wholesale.
func (s *Store) PutCacheEntry(ctx context.Context, e *cache.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("vacalibration/redis: encode cache entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.cache(e.Fingerprint), raw, ttl)
	pipe.ZAdd(ctx, s.keys.cacheIndex(), goredis.Z{Score: indexScore(e.CachedAt), Member: e.Fingerprint})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put cache entry", err)
	}
	return nil
}

// ListCacheEntries returns live entries oldest first. Index members whose
// entry expired are pruned on the way.
func (s *Store) ListCacheEntries(ctx context.Context) ([]*cache.Entry, error) {
	fps, err := s.client.ZRange(ctx, s.keys.cacheIndex(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list cache index", err)
	}
	if len(fps) == 0 {
		return []*cache.Entry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(fps))
	for i, fp := range fps {
		cmds[i] = pipe.Get(ctx, s.keys.cache(fp))
	}
	if _, err := pipe.Exec(ctx); err != nil && !isNil(err) {
		return nil, unavailable("list cache entries", err)
	}

	out := make([]*cache.Entry, 0, len(fps))
	var stale []interface{}
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			stale = append(stale, fps[i])
			continue
		}
		var e cache.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Warn("skipping unreadable cache entry", "fingerprint", fps[i], "error", err)
			continue
		}
		out = append(out, &e)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.keys.cacheIndex(), stale...).Err() //nolint:errcheck // pruning is opportunistic
	}
	return out, nil
}

// DeleteCacheEntry removes an entry and its index member.
func (s *Store) DeleteCacheEntry(ctx context.Context, fingerprint string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.keys.cache(fingerprint))
	pipe.ZRem(ctx, s.keys.cacheIndex(), fingerprint)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("delete cache entry", err)
	}
	return del.Val() > 0, nil
}
