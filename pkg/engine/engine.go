// Package engine evaluates every inbound request against the full protection
// pipeline: mitigation state, whitelist, suspicion scoring, tier resolution
// and counter evaluation.
//
// The engine itself must never become the platform's primary failure mode:
// any counter-store failure at the evaluate boundary converts into a
// fail-open decision, logged and counted, and the engine never produces a
// 5xx on its own.
package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manenim/ingress-shield/pkg/alert"
	"github.com/manenim/ingress-shield/pkg/behavior"
	"github.com/manenim/ingress-shield/pkg/mitigate"
	"github.com/manenim/ingress-shield/pkg/store"
	"github.com/manenim/ingress-shield/pkg/tier"
	"github.com/manenim/ingress-shield/pkg/window"
)

const (
	metricCheck    = "shield.check"
	metricDenied   = "shield.denied"
	metricDegraded = "shield.degraded"
	metricLatency  = "shield.latency"

	// Signals at or above this weight raise an alert even when the request
	// is otherwise allowed.
	severeSignalWeight = 40
)

// Engine runs the per-request protection pipeline. Construct once per
// process and share; all state that matters lives in the injected store.
type Engine struct {
	store     store.CounterStore
	fixed     *window.FixedWindow
	sliding   *window.SlidingWindow
	resolver  *tier.Resolver
	analyzer  *behavior.Analyzer
	mitigator *mitigate.Controller
	alerts    *alert.Emitter

	whitelistIPs  map[string]bool
	whitelistNets []*net.IPNet

	metrics         MetricsRecorder
	log             *zap.Logger
	now             func() time.Time
	issueChallenges bool

	sweepEvery time.Duration
	done       chan struct{}
	stopped    chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

type engineConfig struct {
	logger      *zap.Logger
	metrics     MetricsRecorder
	whitelist   []string
	behaviorCfg *behavior.Config
	mitigateCfg *mitigate.Config
	emitter     *alert.Emitter
	now         func() time.Time
	sweepEvery  time.Duration
	challenges  bool
}

// Option configures an Engine.
type Option func(*engineConfig)

func WithLogger(log *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = log }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(c *engineConfig) { c.metrics = m }
}

// WithWhitelist registers IPs or CIDR ranges that bypass all counters.
func WithWhitelist(entries ...string) Option {
	return func(c *engineConfig) { c.whitelist = append(c.whitelist, entries...) }
}

func WithBehaviorConfig(cfg behavior.Config) Option {
	return func(c *engineConfig) { c.behaviorCfg = &cfg }
}

func WithMitigationConfig(cfg mitigate.Config) Option {
	return func(c *engineConfig) { c.mitigateCfg = &cfg }
}

func WithAlertEmitter(e *alert.Emitter) Option {
	return func(c *engineConfig) { c.emitter = e }
}

// WithChallenges makes escalation issue an opaque challenge token the client
// can complete to clear its tarpit state.
func WithChallenges(enabled bool) Option {
	return func(c *engineConfig) { c.challenges = enabled }
}

// WithSweepInterval tunes the janitor period (default 1m).
func WithSweepInterval(d time.Duration) Option {
	return func(c *engineConfig) { c.sweepEvery = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// New builds an Engine over the given store and rule table. A nil table uses
// the built-in defaults. Configuration errors (malformed rule table, bad
// whitelist entry) are returned so callers can treat them as fatal at
// startup; no partial rule set is ever loaded.
func New(s store.CounterStore, rules *tier.Config, opts ...Option) (*Engine, error) {
	if rules == nil {
		rules = tier.Default()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	cfg := engineConfig{
		logger:     zap.NewNop(),
		metrics:    NoOpMetricsRecorder{},
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		store:           s,
		fixed:           window.NewFixedWindow(s, window.WithClock(cfg.now)),
		sliding:         window.NewSlidingWindow(s, window.WithClock(cfg.now)),
		resolver:        tier.NewResolver(rules),
		metrics:         cfg.metrics,
		log:             cfg.logger,
		now:             cfg.now,
		issueChallenges: cfg.challenges,
		whitelistIPs:    make(map[string]bool),
		sweepEvery:      cfg.sweepEvery,
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}

	behaviorOpts := []behavior.Option{behavior.WithLogger(cfg.logger), behavior.WithClock(cfg.now)}
	if cfg.behaviorCfg != nil {
		behaviorOpts = append(behaviorOpts, behavior.WithConfig(*cfg.behaviorCfg))
	}
	e.analyzer = behavior.New(behaviorOpts...)

	mitigateOpts := []mitigate.Option{mitigate.WithLogger(cfg.logger), mitigate.WithClock(cfg.now)}
	if cfg.mitigateCfg != nil {
		mitigateOpts = append(mitigateOpts, mitigate.WithConfig(*cfg.mitigateCfg))
	}
	e.mitigator = mitigate.NewController(s, mitigateOpts...)

	if cfg.emitter != nil {
		e.alerts = cfg.emitter
	} else {
		e.alerts = alert.NewEmitter(alert.WithLogger(cfg.logger))
	}

	for _, entry := range cfg.whitelist {
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist entry %q: %w", entry, err)
			}
			e.whitelistNets = append(e.whitelistNets, ipnet)
			continue
		}
		if net.ParseIP(entry) == nil {
			return nil, fmt.Errorf("invalid whitelist entry %q", entry)
		}
		e.whitelistIPs[entry] = true
	}

	return e, nil
}

// Check runs the full pipeline for one request. It never returns an error:
// infrastructure failures degrade to allow.
func (e *Engine) Check(ctx context.Context, req *Request) *Decision {
	start := e.now()
	// Counters must stay accurate even when the client aborts mid-request,
	// so store calls run detached from request cancellation.
	sctx := context.WithoutCancel(ctx)
	key := req.Identity.Key()

	e.metrics.Add(metricCheck, 1, nil)
	defer func() {
		e.metrics.Observe(metricLatency, e.now().Sub(start).Seconds(), nil)
	}()

	// Known-bad identities short-circuit before any counter work.
	st, err := e.mitigator.Check(sctx, key)
	if err != nil {
		return e.failOpen(key, err)
	}
	switch st.State {
	case mitigate.StateBanned:
		return e.denyBanned(key, st.RetryAfter)
	case mitigate.StateTarpitted:
		return e.tarpit(sctx, key)
	}

	if e.whitelisted(req.Identity.IP) {
		return &Decision{Allow: true, Status: 200, Reason: ReasonWhitelisted}
	}

	score, signals := e.analyzer.Observe(key, behavior.Observation{
		Time:        e.now(),
		Method:      req.Method,
		Path:        req.Path,
		Query:       req.Query,
		UserAgent:   req.Identity.UserAgent,
		Fingerprint: req.Identity.Fingerprint,
	})
	severe := false
	for _, sig := range signals {
		if sig.Weight >= severeSignalWeight {
			severe = true
			e.alerts.Emit(sctx, alert.Alert{
				Type:        sig.Name,
				Severity:    alert.SeverityForWeight(sig.Weight),
				IdentityKey: key,
				Evidence: map[string]string{
					"detail": sig.Detail,
					"path":   req.Path,
				},
			})
		}
	}

	t := e.resolver.Resolve(req.Identity.Authenticated(), req.Identity.Role, req.Identity.Plan)
	tranche := tier.TrancheForScore(score)
	if severe {
		// One strong signature match is enough; do not wait for the
		// accumulated score to cross the strict threshold.
		tranche = tier.TrancheStrict
	}
	lims := e.resolver.Limits(t)
	rules := e.resolver.Rules(t, req.Method, req.Path, tranche)

	var (
		tightest     window.Result
		tightestRule tier.Rule
		tightestEff  int64
		haveResult   bool
	)
	for _, rule := range rules {
		eff := int64(float64(rule.Limit) * lims.BurstMultiplier)
		counterKey := rule.ID + ":" + e.scopeKey(rule.Scope, req)

		var (
			res  window.Result
			rerr error
		)
		if rule.Sliding {
			res, rerr = e.sliding.Evaluate(sctx, counterKey, eff, rule.Window)
		} else {
			res, rerr = e.fixed.Evaluate(sctx, counterKey, eff, rule.Window)
		}
		if rerr != nil {
			return e.failOpen(key, rerr)
		}

		if !res.Allowed {
			return e.deny(sctx, req, key, t, score, rule, eff, res, lims.Cooldown.Std())
		}
		if !haveResult || res.Remaining < tightest.Remaining {
			tightest, tightestRule, tightestEff, haveResult = res, rule, eff, true
		}
	}

	dec := &Decision{
		Allow:  true,
		Status: 200,
		Reason: ReasonOK,
		Tier:   t,
		Score:  score,
	}
	if haveResult {
		dec.RuleID = tightestRule.ID
		dec.Limit = tightestEff
		dec.Remaining = tightest.Remaining
		dec.ResetAt = tightest.ResetAt
		if tightest.Remaining <= 1 {
			dec.State = mitigate.StateWarned
		}
	}
	return dec
}

func (e *Engine) deny(ctx context.Context, req *Request, key string, t tier.Tier, score int, rule tier.Rule, eff int64, res window.Result, cooldown time.Duration) *Decision {
	e.metrics.Add(metricDenied, 1, map[string]string{"rule": rule.ID})

	state, err := e.mitigator.RecordViolation(ctx, key, cooldown)
	if err != nil {
		// The denial stands on the counter alone; losing the violation
		// record only slows escalation.
		e.log.Error("record violation failed", zap.String("identity", key), zap.Error(err))
		state = mitigate.StateLimited
	}

	dec := &Decision{
		Allow:      false,
		Status:     429,
		Reason:     ReasonRateLimited,
		RuleID:     rule.ID,
		Tier:       t,
		State:      state,
		Score:      score,
		Limit:      eff,
		Remaining:  0,
		ResetAt:    res.ResetAt,
		RetryAfter: res.ResetAt.Sub(e.now()),
	}

	if state == mitigate.StateEscalated {
		e.alerts.Emit(ctx, alert.Alert{
			Type:        "escalation",
			Severity:    alert.SeverityHigh,
			IdentityKey: key,
			Evidence: map[string]string{
				"rule": rule.ID,
				"path": req.Path,
			},
		})
		if e.issueChallenges {
			token, cerr := e.mitigator.IssueChallenge(ctx, key)
			if cerr != nil {
				e.log.Error("issue challenge failed", zap.String("identity", key), zap.Error(cerr))
			} else {
				dec.ChallengeToken = token
			}
		}
	}
	return dec
}

func (e *Engine) tarpit(ctx context.Context, key string) *Decision {
	hit, err := e.mitigator.TarpitHit(ctx, key)
	if err != nil {
		return e.failOpen(key, err)
	}
	if hit.State == mitigate.StateBanned {
		e.alerts.Emit(ctx, alert.Alert{
			Type:        "ban",
			Severity:    alert.SeverityCritical,
			IdentityKey: key,
			Evidence:    map[string]string{"via": "tarpit"},
		})
		return e.denyBanned(key, hit.RetryAfter)
	}
	return &Decision{
		Allow:       false,
		Status:      429,
		Reason:      ReasonTarpitted,
		State:       mitigate.StateTarpitted,
		RetryAfter:  hit.RetryAfter,
		TarpitDelay: hit.Delay,
	}
}

func (e *Engine) denyBanned(key string, retryAfter time.Duration) *Decision {
	e.metrics.Add(metricDenied, 1, map[string]string{"rule": "ban"})
	return &Decision{
		Allow:      false,
		Status:     403,
		Reason:     ReasonBanActive,
		State:      mitigate.StateBanned,
		RetryAfter: retryAfter,
	}
}

func (e *Engine) failOpen(key string, err error) *Decision {
	e.metrics.Add(metricDegraded, 1, nil)
	e.log.Error("counter store degraded, failing open",
		zap.String("identity", key),
		zap.Error(err),
	)
	return &Decision{Allow: true, Status: 200, Reason: ReasonDegraded}
}

func (e *Engine) whitelisted(ip string) bool {
	if e.whitelistIPs[ip] {
		return true
	}
	if len(e.whitelistNets) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range e.whitelistNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (e *Engine) scopeKey(scope tier.Scope, req *Request) string {
	switch scope {
	case tier.ScopeIP:
		return "ip:" + req.Identity.IP
	case tier.ScopeCredentialIP:
		cred := req.Credential
		if cred == "" {
			cred = "-"
		}
		return "cred:" + cred + ":ip:" + req.Identity.IP
	default:
		return req.Identity.Key()
	}
}

// IdentityStatus is the admin-surface view of one identity.
type IdentityStatus struct {
	State      mitigate.State
	RetryAfter time.Duration
	Score      int
}

// Inspect reports the identity's current mitigation state and suspicion
// score (admin surface).
func (e *Engine) Inspect(ctx context.Context, key string) (IdentityStatus, error) {
	st, err := e.mitigator.Check(ctx, key)
	if err != nil {
		return IdentityStatus{}, err
	}
	return IdentityStatus{
		State:      st.State,
		RetryAfter: st.RetryAfter,
		Score:      e.analyzer.Score(key),
	}, nil
}

// Ban imposes a manual ban (admin surface).
func (e *Engine) Ban(ctx context.Context, key string, dur time.Duration) error {
	return e.mitigator.Ban(ctx, key, dur)
}

// Unban clears all escalation state for the identity (admin surface).
// Idempotent.
func (e *Engine) Unban(ctx context.Context, key string) error {
	return e.mitigator.Unban(ctx, key)
}

// RedeemChallenge forwards a completed challenge to the mitigation
// controller.
func (e *Engine) RedeemChallenge(ctx context.Context, key, token string, verify mitigate.VerifyFunc) error {
	return e.mitigator.RedeemChallenge(ctx, key, token, verify)
}

// Start launches the janitor that sweeps in-process caches. Safe to call
// once; pair with Stop on shutdown.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.janitor()
	})
}

// Stop halts the janitor deterministically. Safe to call multiple times and
// before Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.startOnce.Do(func() {
		// Never started; nothing is writing to stopped.
		close(e.stopped)
	})
	<-e.stopped
}

func (e *Engine) janitor() {
	defer close(e.stopped)
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			profiles := e.analyzer.Sweep(now)
			bans := e.mitigator.Sweep(now)
			alerts := e.alerts.Sweep(now)
			if profiles+bans+alerts > 0 {
				e.log.Debug("janitor sweep",
					zap.Int("profiles", profiles),
					zap.Int("local_bans", bans),
					zap.Int("alert_dedup", alerts),
				)
			}
		}
	}
}
