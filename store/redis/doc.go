// Package redis implements store.Store on Redis with go-redis v9. Every
// record is TTL-bounded and every key is namespaced by a prefix
// (default "vacal:"):
//
//	job:<id>        Hash, the job record
//	jobs            Sorted Set, the recency index scored by last update
//	logs:<id>       List, output lines trimmed to the newest N
//	seq:<id>        String, INCR event sequence counter
//	events:<id>     List, the event replay buffer
//	live:<id>       Pub/Sub channel for live events
//	cache:<fp>      String, a JSON cache entry with its own TTL
//	cache_idx       Sorted Set of fingerprints scored by cached_at
//	batch:<id>      Hash, a batch
//	handle:<id>     Hash, a dispatch handle
//	active:<id>     String, the job's non-terminal handle id
//	queue:<name>    Sorted Set, the dispatch queue
//
// Deleting a job removes its record and every derived key. Handle state
// changes run as Lua scripts.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithPrefix("vacal:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
