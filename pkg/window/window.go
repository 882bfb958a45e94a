// Package window provides fixed- and sliding-window counting primitives on
// top of a shared counter store.
//
// Fixed windows align to floor(now/window)*window boundaries and cost a
// single atomic increment per request. Sliding windows keep a timestamped
// member per request in an ordered set and prune on every read; they are
// more precise under bursty traffic at O(log n) per request.
package window

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/manenim/ingress-shield/pkg/store"
)

// Result is the outcome of one counter evaluation.
type Result struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// Counter evaluates a request against a limit over a time window.
type Counter interface {
	Evaluate(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)
}

// Option configures a counter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Fixed-window buckets keep their key slightly past the boundary so a burst
// straddling the boundary still reads its own bucket.
const fixedTTLGrace = 2 * time.Second

// FixedWindow counts with one atomic increment per request in a bucket scoped
// to the current window start. The first increment in a bucket arms the TTL;
// two concurrent "first" increments both arming it is harmless.
type FixedWindow struct {
	store store.CounterStore
	now   func() time.Time
}

func NewFixedWindow(s store.CounterStore, opts ...Option) *FixedWindow {
	o := buildOptions(opts)
	return &FixedWindow{store: s, now: o.now}
}

func (f *FixedWindow) Evaluate(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	now := f.now()
	start := now.Truncate(window)
	bucketKey := fmt.Sprintf("fw:%s:%d", key, start.UnixMilli())

	count, err := f.store.FixedWindowIncr(ctx, bucketKey, window+fixedTTLGrace)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   count <= limit,
		Count:     count,
		Remaining: remaining(limit, count),
		ResetAt:   start.Add(window),
	}, nil
}

// SlidingWindow counts only requests timestamped within (now-window, now].
// Each request contributes a uniquely keyed member; stale members are pruned
// on every evaluation, so repeated pruning is idempotent.
type SlidingWindow struct {
	store store.CounterStore
	now   func() time.Time
	seq   atomic.Uint64
}

func NewSlidingWindow(s store.CounterStore, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{store: s, now: o.now}
}

func (s *SlidingWindow) Evaluate(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	now := s.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	count, err := s.store.SlidingWindowAdd(ctx, "sw:"+key, member, now, window)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   count <= limit,
		Count:     count,
		Remaining: remaining(limit, count),
		ResetAt:   now.Add(window),
	}, nil
}

func remaining(limit, count int64) int64 {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

var (
	_ Counter = (*FixedWindow)(nil)
	_ Counter = (*SlidingWindow)(nil)
)
