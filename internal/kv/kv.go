// Package kv defines the shared store boundary the Warm tier and quota
// counters ride on: atomic get/set-with-expiry/increment/list-append.
// Two implementations exist, a Redis-backed store for shared deployments
// and an in-process store for tests and single-node runs.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport-level failures. Callers treat the store
// as absent and fall through to origin compute; an outage here must
// never fail the overall request.
var ErrUnavailable = errors.New("shared store unavailable")

// Store is the atomic key-value surface required by the cache core.
// All operations are safe for concurrent use from many workers without
// client-side locking; expiry is enforced lazily by the store on read.
type Store interface {
	// Get returns the value for key, or found=false if absent/expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set writes value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Incr atomically adds delta to an integer key and returns the result.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Append atomically appends value to the list at key and returns
	// the new list length.
	Append(ctx context.Context, key string, value []byte) (int64, error)
	// List returns list elements in [start, stop] (inclusive, negative
	// indexes count from the tail, Redis LRANGE semantics).
	List(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Trim keeps only list elements in [start, stop].
	Trim(ctx context.Context, key string, start, stop int64) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Clock provides time for expiry decisions. The default uses time.Now;
// tests inject a fake to exercise TTL behavior deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }
