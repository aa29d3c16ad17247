package redis

// Redis key naming conventions. Every key carries the store prefix
// (default "vacal:") so several deployments can share one database.
// Deleting a job deletes every key derived from its id.

// DefaultPrefix is the key prefix used unless WithPrefix is given.
const DefaultPrefix = "vacal:"

type keys struct{ prefix string }

// ── Job keys ──

// job returns the Hash key for a job record: vacal:job:{id}
func (k keys) job(id string) string { return k.prefix + "job:" + id }

// jobs is the recency index: a Sorted Set of job ids scored by the
// last-update time in milliseconds.
func (k keys) jobs() string { return k.prefix + "jobs" }

// logs returns the List key for a job's output lines.
func (k keys) logs(id string) string { return k.prefix + "logs:" + id }

// ── Event keys ──

// seq returns the counter key for a job's event sequence.
func (k keys) seq(id string) string { return k.prefix + "seq:" + id }

// events returns the List key for a job's replay buffer.
func (k keys) events(id string) string { return k.prefix + "events:" + id }

// live returns the Pub/Sub channel for a job's live events.
func (k keys) live(id string) string { return k.prefix + "live:" + id }

// livePattern matches every job's live channel.
func (k keys) livePattern() string { return k.prefix + "live:*" }

// ── Cache keys ──

// cache returns the String key holding a cache entry as JSON.
func (k keys) cache(fingerprint string) string { return k.prefix + "cache:" + fingerprint }

// cacheIndex is a Sorted Set of fingerprints scored by cached_at, used to
// enumerate entries oldest first.
func (k keys) cacheIndex() string { return k.prefix + "cache_idx" }

// ── Batch keys ──

// batch returns the Hash key for a batch: vacal:batch:{id}
func (k keys) batch(id string) string { return k.prefix + "batch:" + id }

// ── Dispatch keys ──

// handle returns the Hash key for a dispatch handle.
func (k keys) handle(id string) string { return k.prefix + "handle:" + id }

// handlePrefix is handle("") for scripts that build handle keys.
func (k keys) handlePrefix() string { return k.prefix + "handle:" }

// active returns the key holding the id of a job's non-terminal handle.
func (k keys) active(jobID string) string { return k.prefix + "active:" + jobID }

// queue returns the Sorted Set key for a dispatch queue.
func (k keys) queue(name string) string { return k.prefix + "queue:" + name }
