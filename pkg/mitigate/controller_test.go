package mitigate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manenim/ingress-shield/pkg/store"
)

func TestCheck_CleanIdentity(t *testing.T) {
	c := NewController(store.NewMemoryStore())

	st, err := c.Check(context.Background(), "user:1")
	require.NoError(t, err)
	require.Equal(t, StateClean, st.State)
}

func TestRecordViolation_EscalatesAtThreshold(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	for i := 0; i < 2; i++ {
		state, err := c.RecordViolation(ctx, "user:2", time.Hour)
		require.NoError(t, err)
		require.Equal(t, StateLimited, state)
	}

	state, err := c.RecordViolation(ctx, "user:2", time.Hour)
	require.NoError(t, err)
	require.Equal(t, StateEscalated, state)

	st, err := c.Check(ctx, "user:2")
	require.NoError(t, err)
	require.Equal(t, StateTarpitted, st.State)
}

func TestTarpitHit_DelayGrowsThenBans(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	st, err := c.TarpitHit(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, StateTarpitted, st.State)
	require.Equal(t, 500*time.Millisecond, st.Delay)

	st, err = c.TarpitHit(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, StateTarpitted, st.State)
	require.Equal(t, time.Second, st.Delay)

	// Third tarpitted request crosses the threshold and bans.
	st, err = c.TarpitHit(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, StateBanned, st.State)
	require.Equal(t, 30*time.Minute, st.RetryAfter)
}

func TestTarpitRetryAfterTracksCooldown(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	// Escalate with a 90m cooldown; Retry-After must reflect it, not the
	// ban window.
	for i := 0; i < 3; i++ {
		c.RecordViolation(ctx, "user:14", 90*time.Minute)
	}

	st, err := c.Check(ctx, "user:14")
	require.NoError(t, err)
	require.Equal(t, StateTarpitted, st.State)
	require.InDelta(t, 90*time.Minute, st.RetryAfter, float64(5*time.Second))

	hit, err := c.TarpitHit(ctx, "user:14")
	require.NoError(t, err)
	require.Equal(t, StateTarpitted, hit.State)
	require.InDelta(t, 90*time.Minute, hit.RetryAfter, float64(5*time.Second))
}

func TestTarpitHit_DelayIsCapped(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore(), WithConfig(Config{
		TarpitThreshold: 10,
		TarpitBaseDelay: 2 * time.Second,
		TarpitMaxDelay:  3 * time.Second,
	}))

	c.TarpitHit(ctx, "ip:2.2.2.2")
	st, err := c.TarpitHit(ctx, "ip:2.2.2.2")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, st.Delay)
}

func TestBanDurationsEscalateWithRepeatOffenses(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	c := NewController(mem, WithConfig(Config{TarpitThreshold: 1}))

	// Five offenses; the fifth reuses the last step of the table.
	want := []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour, 24 * time.Hour, 24 * time.Hour}
	for i, dur := range want {
		st, err := c.TarpitHit(ctx, "ip:3.3.3.3")
		require.NoError(t, err)
		require.Equal(t, StateBanned, st.State, "offense %d", i+1)
		require.Equal(t, dur, st.RetryAfter, "offense %d", i+1)

		// Lift only the ban so the offense counter keeps its memory.
		require.NoError(t, mem.Del(ctx, "ban:ip:3.3.3.3", "tarpithits:ip:3.3.3.3"))
	}
}

func TestManualBanAndCheck(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	require.NoError(t, c.Ban(ctx, "user:5", time.Hour))

	st, err := c.Check(ctx, "user:5")
	require.NoError(t, err)
	require.Equal(t, StateBanned, st.State)
	require.InDelta(t, time.Hour, st.RetryAfter, float64(5*time.Second))
}

func TestManualBanZeroDurationUsesFirstStep(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	require.NoError(t, c.Ban(ctx, "user:6", 0))
	st, err := c.Check(ctx, "user:6")
	require.NoError(t, err)
	require.Equal(t, StateBanned, st.State)
	require.InDelta(t, 30*time.Minute, st.RetryAfter, float64(5*time.Second))
}

func TestLocalBanCacheShortCircuits(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	c := NewController(mem)

	require.NoError(t, c.Ban(ctx, "user:7", time.Hour))
	require.NoError(t, mem.Del(ctx, "ban:user:7"))

	// The cache still answers banned until its entry expires; it is a
	// short-circuit, not the source of truth.
	st, err := c.Check(ctx, "user:7")
	require.NoError(t, err)
	require.Equal(t, StateBanned, st.State)
}

func TestUnban_ClearsEverythingAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	for i := 0; i < 3; i++ {
		c.RecordViolation(ctx, "user:8", time.Hour)
	}
	require.NoError(t, c.Ban(ctx, "user:8", time.Hour))

	require.NoError(t, c.Unban(ctx, "user:8"))
	st, err := c.Check(ctx, "user:8")
	require.NoError(t, err)
	require.Equal(t, StateClean, st.State)

	// Unbanning a clean identity is not an error.
	require.NoError(t, c.Unban(ctx, "user:8"))
}

func TestChallengeLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	for i := 0; i < 3; i++ {
		c.RecordViolation(ctx, "user:9", time.Hour)
	}
	token, err := c.IssueChallenge(ctx, "user:9")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.ErrorIs(t, c.RedeemChallenge(ctx, "user:9", "wrong-token", nil), ErrChallengeMismatch)

	require.NoError(t, c.RedeemChallenge(ctx, "user:9", token, nil))
	st, err := c.Check(ctx, "user:9")
	require.NoError(t, err)
	require.Equal(t, StateClean, st.State, "redeeming lifts the tarpit")

	// The token is single-use.
	require.ErrorIs(t, c.RedeemChallenge(ctx, "user:9", token, nil), ErrChallengeExpired)
}

func TestRedeemChallenge_VerifyHook(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	token, err := c.IssueChallenge(ctx, "user:10")
	require.NoError(t, err)

	failed := func(ctx context.Context, token string) (bool, error) { return false, nil }
	require.ErrorIs(t, c.RedeemChallenge(ctx, "user:10", token, failed), ErrChallengeMismatch)

	boom := errors.New("captcha backend down")
	broken := func(ctx context.Context, token string) (bool, error) { return false, boom }
	require.ErrorIs(t, c.RedeemChallenge(ctx, "user:10", token, broken), boom)

	passed := func(ctx context.Context, token string) (bool, error) { return true, nil }
	require.NoError(t, c.RedeemChallenge(ctx, "user:10", token, passed))
}

func TestRedeemChallenge_RefusedWhileBanned(t *testing.T) {
	ctx := context.Background()
	c := NewController(store.NewMemoryStore())

	token, err := c.IssueChallenge(ctx, "user:11")
	require.NoError(t, err)
	require.NoError(t, c.Ban(ctx, "user:11", time.Hour))

	require.ErrorIs(t, c.RedeemChallenge(ctx, "user:11", token, nil), ErrBanActive)
}

func TestSweep_DropsExpiredCacheEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(store.NewMemoryStore(), WithClock(func() time.Time { return now }))

	require.NoError(t, c.Ban(ctx, "user:12", 30*time.Minute))
	require.Equal(t, 0, c.Sweep(now))
	require.Equal(t, 1, c.Sweep(now.Add(31*time.Minute)))
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string) (int64, error) { return 0, store.ErrUnavailable }
func (failingStore) Expire(context.Context, string, time.Duration) error {
	return store.ErrUnavailable
}
func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return store.ErrUnavailable
}
func (failingStore) Del(context.Context, ...string) error { return store.ErrUnavailable }
func (failingStore) FixedWindowIncr(context.Context, string, time.Duration) (int64, error) {
	return 0, store.ErrUnavailable
}
func (failingStore) SlidingWindowAdd(context.Context, string, string, time.Time, time.Duration) (int64, error) {
	return 0, store.ErrUnavailable
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	c := NewController(failingStore{})

	_, err := c.Check(ctx, "user:13")
	require.ErrorIs(t, err, store.ErrUnavailable)

	_, err = c.RecordViolation(ctx, "user:13", time.Hour)
	require.ErrorIs(t, err, store.ErrUnavailable)

	_, err = c.TarpitHit(ctx, "user:13")
	require.ErrorIs(t, err, store.ErrUnavailable)
}
