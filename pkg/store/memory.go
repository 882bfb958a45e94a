package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore when
// enforcement must be consistent across multiple instances; MemoryStore is a
// fast, dependency-free stand-in for unit tests and single-instance
// deployments.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	values   map[string]memValue
	zsets    map[string]*memZSet
	now      func() time.Time
}

type memCounter struct {
	n         int64
	expiresAt time.Time // zero means no expiry
}

type memValue struct {
	v         string
	expiresAt time.Time
}

type memZSet struct {
	members   map[string]int64 // member -> score (ms)
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		values:   make(map[string]memValue),
		zsets:    make(map[string]*memZSet),
		now:      time.Now,
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !at.After(now)
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCounter(key)
	c.n++
	return c.n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now().Add(ttl)
	if c, ok := m.counters[key]; ok && !expired(c.expiresAt, m.now()) {
		c.expiresAt = at
	}
	if v, ok := m.values[key]; ok && !expired(v.expiresAt, m.now()) {
		v.expiresAt = at
		m.values[key] = v
	}
	if z, ok := m.zsets[key]; ok && !expired(z.expiresAt, m.now()) {
		z.expiresAt = at
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || expired(v.expiresAt, m.now()) {
		delete(m.values, key)
		return "", false, nil
	}
	return v.v, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var at time.Time
	if ttl > 0 {
		at = m.now().Add(ttl)
	}
	m.values[key] = memValue{v: value, expiresAt: at}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.counters, k)
		delete(m.values, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemoryStore) FixedWindowIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.liveCounter(key)
	c.n++
	if c.n == 1 && ttl > 0 {
		c.expiresAt = m.now().Add(ttl)
	}
	return c.n, nil
}

func (m *MemoryStore) SlidingWindowAdd(_ context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok || expired(z.expiresAt, m.now()) {
		z = &memZSet{members: make(map[string]int64)}
		m.zsets[key] = z
	}
	cutoff := now.UnixMilli() - window.Milliseconds()
	for mem, score := range z.members {
		if score <= cutoff {
			delete(z.members, mem)
		}
	}
	z.members[member] = now.UnixMilli()
	z.expiresAt = m.now().Add(window + slidingTTLBuffer)
	return int64(len(z.members)), nil
}

// CounterValue reports the current value of a counter key. Test helper.
func (m *MemoryStore) CounterValue(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, m.now()) {
		return 0
	}
	return c.n
}

// TTL reports the remaining time to live of a counter or value key, and
// whether the key exists. Test helper.
func (m *MemoryStore) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.counters[key]; ok && !expired(c.expiresAt, now) {
		if c.expiresAt.IsZero() {
			return 0, true
		}
		return c.expiresAt.Sub(now), true
	}
	if v, ok := m.values[key]; ok && !expired(v.expiresAt, now) {
		if v.expiresAt.IsZero() {
			return 0, true
		}
		return v.expiresAt.Sub(now), true
	}
	return 0, false
}

func (m *MemoryStore) liveCounter(key string) *memCounter {
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, m.now()) {
		c = &memCounter{}
		m.counters[key] = c
	}
	return c
}

var _ CounterStore = (*MemoryStore)(nil)
var _ CounterStore = (*RedisStore)(nil)
