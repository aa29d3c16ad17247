// Package cache implements the fingerprint-addressed result cache.
//
// A [Fingerprint] is a SHA-256 digest over the job name and a canonical,
// key-sorted serialization of the semantic input fields. Volatile fields
// (priority, timeout, owner, use_cache) are stripped before hashing, so two
// requests that would compute the same thing collide deterministically no
// matter how their fields were ordered.
//
// [Cache] layers hit/miss accounting, statistics, and filtered clearing on
// top of a [Store]. Entries are never mutated; a later [Cache.Store] under
// the same fingerprint replaces the entry wholesale.
package cache
