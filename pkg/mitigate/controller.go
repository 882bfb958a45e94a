// Package mitigate owns the per-identity escalation state machine and issues
// challenges.
//
// Transitions are driven by a decaying violation counter held in the shared
// store, so all workers observe the same state. Tarpitting is a precursor to
// banning: repeated tarpit hits inside the window escalate to a hard ban.
package mitigate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manenim/ingress-shield/pkg/store"
)

// State is the identity's position in the escalation ladder. Warned, Limited
// and Escalated are transient outcomes of a single decision; Tarpitted and
// Banned persist in the store until their TTL lapses.
type State int

const (
	StateClean State = iota
	StateWarned
	StateLimited
	StateEscalated
	StateTarpitted
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateWarned:
		return "warned"
	case StateLimited:
		return "limited"
	case StateEscalated:
		return "escalated"
	case StateTarpitted:
		return "tarpitted"
	case StateBanned:
		return "banned"
	default:
		return "clean"
	}
}

var (
	// ErrChallengeExpired is returned when a challenge token is redeemed
	// after its TTL or was never issued.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeMismatch is returned when the presented token does not
	// match the issued one.
	ErrChallengeMismatch = errors.New("challenge token mismatch")
	// ErrBanActive is returned by operations that refuse to run while the
	// identity is banned.
	ErrBanActive = errors.New("ban active")
)

// Config tunes the escalation ladder.
type Config struct {
	// ViolationThreshold is how many denials within BanWindow escalate the
	// identity to the tarpit.
	ViolationThreshold int
	// BanWindow bounds violation and tarpit-hit counting. A quiet period of
	// this length resets the counters to zero.
	BanWindow time.Duration
	// TarpitThreshold is how many tarpitted requests within BanWindow
	// escalate to a ban.
	TarpitThreshold int
	// TarpitBaseDelay and TarpitMaxDelay bound the artificial delay. The
	// delay grows with tarpit hits but never exceeds the cap.
	TarpitBaseDelay time.Duration
	TarpitMaxDelay  time.Duration
	// BanSteps is the monotonic ban-duration lookup table indexed by the
	// identity's offense count.
	BanSteps []time.Duration
	// OffenseMemory is how long repeat offenses are remembered for the
	// escalating ban table.
	OffenseMemory time.Duration
	// ChallengeTTL bounds the window for completing an issued challenge.
	ChallengeTTL time.Duration
}

// DefaultConfig returns the production ladder: 3 strikes to the tarpit,
// 3 tarpitted requests to a ban, bans of 30m/1h/2h/24h.
func DefaultConfig() Config {
	return Config{
		ViolationThreshold: 3,
		BanWindow:          10 * time.Minute,
		TarpitThreshold:    3,
		TarpitBaseDelay:    500 * time.Millisecond,
		TarpitMaxDelay:     3 * time.Second,
		BanSteps: []time.Duration{
			30 * time.Minute,
			time.Hour,
			2 * time.Hour,
			24 * time.Hour,
		},
		OffenseMemory: 24 * time.Hour,
		ChallengeTTL:  5 * time.Minute,
	}
}

func (c Config) validate() Config {
	d := DefaultConfig()
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = d.ViolationThreshold
	}
	if c.BanWindow <= 0 {
		c.BanWindow = d.BanWindow
	}
	if c.TarpitThreshold <= 0 {
		c.TarpitThreshold = d.TarpitThreshold
	}
	if c.TarpitBaseDelay <= 0 {
		c.TarpitBaseDelay = d.TarpitBaseDelay
	}
	if c.TarpitMaxDelay <= 0 {
		c.TarpitMaxDelay = d.TarpitMaxDelay
	}
	if len(c.BanSteps) == 0 {
		c.BanSteps = d.BanSteps
	}
	if c.OffenseMemory <= 0 {
		c.OffenseMemory = d.OffenseMemory
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = d.ChallengeTTL
	}
	return c
}

// Status is the controller's answer for one identity.
type Status struct {
	State State
	// RetryAfter is how long until the state expires (ban or tarpit TTL).
	RetryAfter time.Duration
	// Delay is the artificial delay to apply when tarpitted.
	Delay time.Duration
}

// VerifyFunc validates a completed challenge. Supplied by the caller; the
// controller only tracks issuance and expiry.
type VerifyFunc func(ctx context.Context, token string) (bool, error)

// Controller drives the escalation state machine. All authoritative state
// lives in the shared store; the local ban set is a non-authoritative
// short-circuit that is always re-validated against TTLs.
type Controller struct {
	store store.CounterStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	localBans map[string]time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg.validate() }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(s store.CounterStore, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		cfg:       DefaultConfig(),
		log:       zap.NewNop(),
		now:       time.Now,
		localBans: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func banKey(key string) string        { return "ban:" + key }
func tarpitKey(key string) string     { return "tarpit:" + key }
func violationKey(key string) string  { return "viol:" + key }
func tarpitHitsKey(key string) string { return "tarpithits:" + key }
func offenseKey(key string) string    { return "offense:" + key }
func challengeKey(key string) string  { return "chal:" + key }

// Check reports the identity's current persistent state. It runs before any
// counter work so the hot path stays cheap for already-known-bad identities:
// a locally cached ban answers without touching the store.
func (c *Controller) Check(ctx context.Context, key string) (Status, error) {
	now := c.now()

	c.mu.Lock()
	until, cached := c.localBans[key]
	if cached && until.After(now) {
		c.mu.Unlock()
		return Status{State: StateBanned, RetryAfter: until.Sub(now)}, nil
	}
	if cached {
		delete(c.localBans, key)
	}
	c.mu.Unlock()

	val, ok, err := c.store.Get(ctx, banKey(key))
	if err != nil {
		return Status{}, err
	}
	if ok {
		retry := c.cfg.BanSteps[0]
		if endsUnix, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			if d := time.Unix(endsUnix, 0).Sub(now); d > 0 {
				retry = d
			}
		}
		c.mu.Lock()
		c.localBans[key] = now.Add(retry)
		c.mu.Unlock()
		return Status{State: StateBanned, RetryAfter: retry}, nil
	}

	if val, ok, err := c.store.Get(ctx, tarpitKey(key)); err != nil {
		return Status{}, err
	} else if ok {
		return Status{State: StateTarpitted, RetryAfter: c.tarpitRetry(val, now)}, nil
	}
	return Status{State: StateClean}, nil
}

// tarpitRetry derives the remaining tarpit duration from the stored end
// timestamp, falling back to the ban window when the value is unreadable.
func (c *Controller) tarpitRetry(val string, now time.Time) time.Duration {
	if endsUnix, err := strconv.ParseInt(val, 10, 64); err == nil {
		if d := time.Unix(endsUnix, 0).Sub(now); d > 0 {
			return d
		}
	}
	return c.cfg.BanWindow
}

// TarpitHit records one request arriving while tarpitted and returns the
// resulting status. Crossing the tarpit threshold escalates to a ban. The
// returned delay is bounded and owned entirely by the caller; the controller
// holds no resource while the caller sleeps.
func (c *Controller) TarpitHit(ctx context.Context, key string) (Status, error) {
	hits, err := c.store.FixedWindowIncr(ctx, tarpitHitsKey(key), c.cfg.BanWindow)
	if err != nil {
		return Status{}, err
	}
	if int(hits) >= c.cfg.TarpitThreshold {
		return c.ban(ctx, key)
	}

	delay := c.cfg.TarpitBaseDelay * time.Duration(hits)
	if delay > c.cfg.TarpitMaxDelay {
		delay = c.cfg.TarpitMaxDelay
	}

	// Retry-After is advisory; a store hiccup reading the tarpit expiry must
	// not fail the decision.
	retry := c.cfg.BanWindow
	if val, ok, err := c.store.Get(ctx, tarpitKey(key)); err == nil && ok {
		retry = c.tarpitRetry(val, c.now())
	}
	return Status{State: StateTarpitted, Delay: delay, RetryAfter: retry}, nil
}

// RecordViolation counts one rule denial and returns the resulting state. A
// single denial is Limited; crossing the violation threshold within the ban
// window escalates to the tarpit, with the tarpit flag decaying after the
// tier's cooldown.
func (c *Controller) RecordViolation(ctx context.Context, key string, cooldown time.Duration) (State, error) {
	if cooldown <= 0 {
		cooldown = c.cfg.BanWindow
	}
	violations, err := c.store.FixedWindowIncr(ctx, violationKey(key), c.cfg.BanWindow)
	if err != nil {
		return StateClean, err
	}
	if int(violations) < c.cfg.ViolationThreshold {
		return StateLimited, nil
	}

	ends := c.now().Add(cooldown)
	if err := c.store.Set(ctx, tarpitKey(key), strconv.FormatInt(ends.Unix(), 10), cooldown); err != nil {
		return StateClean, err
	}
	c.log.Info("identity escalated to tarpit",
		zap.String("identity", key),
		zap.Int64("violations", violations),
	)
	return StateEscalated, nil
}

func (c *Controller) ban(ctx context.Context, key string) (Status, error) {
	offense, err := c.store.FixedWindowIncr(ctx, offenseKey(key), c.cfg.OffenseMemory)
	if err != nil {
		return Status{}, err
	}
	idx := int(offense) - 1
	if idx >= len(c.cfg.BanSteps) {
		idx = len(c.cfg.BanSteps) - 1
	}
	dur := c.cfg.BanSteps[idx]
	if err := c.applyBan(ctx, key, dur); err != nil {
		return Status{}, err
	}
	c.log.Warn("identity banned",
		zap.String("identity", key),
		zap.Int64("offense", offense),
		zap.Duration("duration", dur),
	)
	return Status{State: StateBanned, RetryAfter: dur}, nil
}

// Ban imposes a manual ban for the given duration (admin surface). A zero
// duration uses the first step of the escalation table.
func (c *Controller) Ban(ctx context.Context, key string, dur time.Duration) error {
	if dur <= 0 {
		dur = c.cfg.BanSteps[0]
	}
	return c.applyBan(ctx, key, dur)
}

func (c *Controller) applyBan(ctx context.Context, key string, dur time.Duration) error {
	ends := c.now().Add(dur)
	if err := c.store.Set(ctx, banKey(key), strconv.FormatInt(ends.Unix(), 10), dur); err != nil {
		return err
	}
	c.mu.Lock()
	c.localBans[key] = ends
	c.mu.Unlock()
	return nil
}

// Unban clears every trace of the identity's escalation state and returns it
// to Clean. Idempotent: unbanning a clean identity is not an error.
func (c *Controller) Unban(ctx context.Context, key string) error {
	err := c.store.Del(ctx,
		banKey(key),
		tarpitKey(key),
		violationKey(key),
		tarpitHitsKey(key),
		offenseKey(key),
		challengeKey(key),
	)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.localBans, key)
	c.mu.Unlock()
	return nil
}

// IssueChallenge creates a time-boxed opaque token for an escalated identity.
// Verification of the completed challenge is delegated to the caller's hook.
func (c *Controller) IssueChallenge(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	if err := c.store.Set(ctx, challengeKey(key), token, c.cfg.ChallengeTTL); err != nil {
		return "", err
	}
	return token, nil
}

// RedeemChallenge validates a presented token through the caller-supplied
// hook and, on success, clears the identity's tarpit and violation state.
func (c *Controller) RedeemChallenge(ctx context.Context, key, token string, verify VerifyFunc) error {
	// A completed challenge lifts the tarpit, never a ban.
	if _, banned, err := c.store.Get(ctx, banKey(key)); err != nil {
		return err
	} else if banned {
		return ErrBanActive
	}

	issued, ok, err := c.store.Get(ctx, challengeKey(key))
	if err != nil {
		return err
	}
	if !ok {
		return ErrChallengeExpired
	}
	if issued != token {
		return ErrChallengeMismatch
	}
	if verify != nil {
		passed, err := verify(ctx, token)
		if err != nil {
			return fmt.Errorf("verify challenge: %w", err)
		}
		if !passed {
			return ErrChallengeMismatch
		}
	}
	return c.store.Del(ctx,
		challengeKey(key),
		tarpitKey(key),
		violationKey(key),
		tarpitHitsKey(key),
	)
}

// Sweep drops expired entries from the local ban cache. Called by the
// engine's janitor; never authoritative, so racing with live requests is
// harmless.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, until := range c.localBans {
		if !until.After(now) {
			delete(c.localBans, key)
			removed++
		}
	}
	return removed
}
