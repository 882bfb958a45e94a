package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

//go:embed sliding_window.lua
var slidingWindowScript string

const (
	defaultPrefix  = "shield:"
	defaultTimeout = 250 * time.Millisecond

	// Sliding-window sets outlive the window itself so a set that stops
	// receiving traffic still prunes correctly on its last reads.
	slidingTTLBuffer = 10 * time.Second
)

// RedisStore is a CounterStore backed by Redis. Scripted operations keep the
// increment-and-expire and append-prune-count cycles atomic, which makes the
// store safe to share across many application instances.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	timeout    time.Duration
	fixedSHA   string
	slidingSHA string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "shield:").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTimeout bounds every Redis round trip (default 250ms). Exceeding it
// surfaces as ErrUnavailable, which the engine converts to a fail-open
// decision.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// NewRedisStore verifies connectivity and preloads the window scripts.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		client:  client,
		prefix:  defaultPrefix,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	fixedSHA, err := client.ScriptLoad(ctx, fixedWindowScript).Result()
	if err != nil {
		return nil, fmt.Errorf("load fixed window script: %w", err)
	}
	slidingSHA, err := client.ScriptLoad(ctx, slidingWindowScript).Result()
	if err != nil {
		return nil, fmt.Errorf("load sliding window script: %w", err)
	}
	s.fixedSHA = fixedSHA
	s.slidingSHA = slidingSHA
	return s, nil
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

// wrap folds every backend failure into ErrUnavailable so callers can make a
// single fail-open decision with errors.Is.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	return n, wrap(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrap(s.client.PExpire(ctx, s.key(key), ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return wrap(s.client.Set(ctx, s.key(key), value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	return wrap(s.client.Del(ctx, prefixed...).Err())
}

func (s *RedisStore) FixedWindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.client.EvalSha(ctx, s.fixedSHA, []string{s.key(key)},
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, wrap(err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, wrap(fmt.Errorf("unexpected script reply %T", res))
	}
	return count, nil
}

func (s *RedisStore) SlidingWindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	nowMs := now.UnixMilli()
	res, err := s.client.EvalSha(ctx, s.slidingSHA, []string{s.key(key)},
		strconv.FormatInt(nowMs-window.Milliseconds(), 10), // cutoff
		strconv.FormatInt(nowMs, 10),                       // score
		member,
		(window + slidingTTLBuffer).Milliseconds(),
	).Result()
	if err != nil {
		return 0, wrap(err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, wrap(fmt.Errorf("unexpected script reply %T", res))
	}
	return count, nil
}
