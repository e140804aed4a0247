package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. Absent keys
// are a normal condition for day-keyed counters and unregistered workers,
// so callers are expected to branch on it with errors.Is.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal key-value contract every component shares. Values
// are JSON-encoded. A zero ttl means no expiry.
//
// The store is eventually consistent and offers no multi-key transactions:
// reads may be stale and independent writes can interleave. Components
// built on top document how they cope with that.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CounterStore holds multi-field integer counters. All deltas of a single
// Incr call must apply atomically so concurrent increments are additive
// and never lost to a last-writer-wins overwrite.
type CounterStore interface {
	// Incr adds deltas to the named fields of the counter at key, stamps
	// its last_updated field, applies ttl, and returns the resulting
	// values of the incremented fields.
	Incr(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) (map[string]int64, error)

	// Counter reads every integer field of the counter at key. A missing
	// key yields an empty map, not an error.
	Counter(ctx context.Context, key string) (map[string]int64, error)
}

// AtomicLimiter is the optional increment-with-ceiling primitive. When the
// backing store can supply it, admission counters avoid the read-then-write
// race entirely; otherwise callers fall back to the documented racy path.
type AtomicLimiter interface {
	// IncrWithLimit increments the integer at key unless it has already
	// reached limit. It returns the post-operation count and whether the
	// increment was applied. The ttl is set when the key is first created.
	IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, allowed bool, err error)
}

// SetStore holds sets of string members, used for day-keyed indexes.
type SetStore interface {
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	SetSize(ctx context.Context, key string) (int64, error)
}

// Pinger reports backing-store reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
