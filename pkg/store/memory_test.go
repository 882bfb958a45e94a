package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrAndExpire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, s.Expire(ctx, "c", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	n, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "expired counter should restart from zero")
}

func TestMemoryStore_GetSetDel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k", "never-existed"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_SetTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", "v", 20*time.Millisecond))
	_, ok, _ := s.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok, _ = s.Get(ctx, "k")
	require.False(t, ok, "value should expire")
}

func TestMemoryStore_FixedWindowIncr_FirstWriterArmsTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.FixedWindowIncr(ctx, "fw", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ttl, ok := s.TTL("fw")
	require.True(t, ok)
	require.Greater(t, ttl, time.Duration(0))

	// Later increments must not extend the window.
	for i := 0; i < 5; i++ {
		_, err = s.FixedWindowIncr(ctx, "fw", time.Hour)
		require.NoError(t, err)
	}
	ttl, ok = s.TTL("fw")
	require.True(t, ok)
	require.LessOrEqual(t, ttl, 50*time.Millisecond)

	time.Sleep(70 * time.Millisecond)
	n, err = s.FixedWindowIncr(ctx, "fw", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "bucket should restart after TTL")
}

func TestMemoryStore_SlidingWindowAdd_Prunes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	window := 100 * time.Millisecond
	base := time.Now()

	for i := 0; i < 3; i++ {
		member := fmt.Sprintf("m%d", i)
		n, err := s.SlidingWindowAdd(ctx, "sw", member, base, window)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), n)
	}

	// A member added after the window has passed prunes the earlier ones.
	n, err := s.SlidingWindowAdd(ctx, "sw", "late", base.Add(window+time.Millisecond), window)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			_, _ = s.FixedWindowIncr(ctx, "race", time.Minute)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(100), s.CounterValue("race"))
}
