package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure (network, timeout, script error).
// Callers are expected to treat it as a signal to fail open rather than to
// retry inline.
var ErrUnavailable = errors.New("counter store unavailable")

// CounterStore is the shared, cross-process state backend for counters, bans
// and challenges. All mutating operations are atomic at the store level: a
// single round trip, or a script executed server-side. The engine depends
// only on this contract, not on a specific backing product.
type CounterStore interface {
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the key's time to live. A non-positive ttl is a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the string value at key. ok is false when the key does not
	// exist; that is not an error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value at key with the given ttl (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Deleting a missing key is not an error.
	Del(ctx context.Context, keys ...string) error

	// FixedWindowIncr increments key and, only on the increment that creates
	// the key (count == 1), sets its ttl. The two steps run atomically so the
	// first writer always arms the expiry. Returns the post-increment count.
	FixedWindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SlidingWindowAdd appends a uniquely keyed member timestamped at now to
	// the ordered set at key, prunes members older than now-window, refreshes
	// the set's ttl, and returns the remaining cardinality. Runs atomically.
	SlidingWindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)
}
