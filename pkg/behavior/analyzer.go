// Package behavior computes a 0-100 suspicion score per identity from recent
// request history and static attack-pattern matching.
//
// The score is the clamped sum of independently capped contributions from
// many weak signals. No single signal is decisive; a client tripping several
// at once is treated as abusive without any manual intervention.
package behavior

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds the analyzer's memory and tunes its signal thresholds.
type Config struct {
	// HistorySize caps the per-identity ring buffer.
	HistorySize int
	// HistoryWindow is how far back observations count toward signals.
	HistoryWindow time.Duration

	// HammerThreshold is the same-path hit count that flags endpoint
	// hammering.
	HammerThreshold int
	// ScanPathThreshold and ScanVolumeThreshold must both be exceeded to
	// flag endpoint-diversity scanning.
	ScanPathThreshold   int
	ScanVolumeThreshold int

	// MinAgentLen and MaxAgentLen bound a plausible user agent.
	MinAgentLen int
	MaxAgentLen int

	// CadenceSamples is the minimum history needed before inter-request
	// cadence is judged; CadenceFloor is the mean interval below which the
	// stream looks machine-generated.
	CadenceSamples int
	CadenceFloor   time.Duration

	// HomogeneitySample is how many recent requests must share a single
	// fingerprint hash to flag fingerprint homogeneity.
	HomogeneitySample int

	// QuietPeriod is the inactivity span after which a profile's score
	// decays to zero and the profile becomes sweepable.
	QuietPeriod time.Duration
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		HistorySize:         128,
		HistoryWindow:       2 * time.Minute,
		HammerThreshold:     30,
		ScanPathThreshold:   15,
		ScanVolumeThreshold: 40,
		MinAgentLen:         8,
		MaxAgentLen:         512,
		CadenceSamples:      10,
		CadenceFloor:        150 * time.Millisecond,
		HomogeneitySample:   20,
		QuietPeriod:         10 * time.Minute,
	}
}

// Signal is one scored contribution with its evidence.
type Signal struct {
	Name   string
	Weight int
	Detail string
}

// Observation is a single request as seen by the analyzer.
type Observation struct {
	Time        time.Time
	Method      string
	Path        string
	Query       string
	UserAgent   string
	Fingerprint string
}

type profile struct {
	events   []Observation
	score    int
	lastSeen time.Time
}

// Analyzer keeps a bounded recent-request history per identity and scores it.
// Safe for concurrent use.
type Analyzer struct {
	mu       sync.Mutex
	cfg      Config
	sigs     []Signature
	agents   []AgentSignature
	profiles map[string]*profile
	log      *zap.Logger
	now      func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

func WithConfig(cfg Config) Option {
	return func(a *Analyzer) { a.cfg = cfg }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Analyzer) { a.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithSignatures replaces the built-in attack-pattern table.
func WithSignatures(sigs []Signature) Option {
	return func(a *Analyzer) { a.sigs = sigs }
}

// WithAgentSignatures replaces the built-in bot UA table.
func WithAgentSignatures(agents []AgentSignature) Option {
	return func(a *Analyzer) { a.agents = agents }
}

func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:      DefaultConfig(),
		sigs:     DefaultSignatures(),
		agents:   DefaultAgentSignatures(),
		profiles: make(map[string]*profile),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe records one request for the identity and returns the updated score
// together with the signals that produced it. The score is clamped to
// [0,100].
func (a *Analyzer) Observe(identityKey string, obs Observation) (int, []Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if obs.Time.IsZero() {
		obs.Time = now
	}

	p, ok := a.profiles[identityKey]
	if !ok {
		p = &profile{}
		a.profiles[identityKey] = p
	}

	p.events = append(p.events, obs)
	p.events = pruneEvents(p.events, now.Add(-a.cfg.HistoryWindow))
	if len(p.events) > a.cfg.HistorySize {
		p.events = p.events[len(p.events)-a.cfg.HistorySize:]
	}
	p.lastSeen = now

	signals := a.evaluate(p.events, obs)
	score := 0
	for _, s := range signals {
		score += s.Weight
	}
	score = clamp(score)
	p.score = score

	if score >= 50 {
		a.log.Warn("high suspicion score",
			zap.String("identity", identityKey),
			zap.Int("score", score),
			zap.Int("signals", len(signals)),
		)
	}
	return score, signals
}

// Score returns the identity's current score. After a quiet period with no
// observations, the score has decayed to zero.
func (a *Analyzer) Score(identityKey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles[identityKey]
	if !ok {
		return 0
	}
	if a.now().Sub(p.lastSeen) >= a.cfg.QuietPeriod {
		p.score = 0
		return 0
	}
	return p.score
}

// Sweep drops profiles idle past the quiet period. Called by the engine's
// janitor.
func (a *Analyzer) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, p := range a.profiles {
		if now.Sub(p.lastSeen) >= a.cfg.QuietPeriod {
			delete(a.profiles, key)
			removed++
		}
	}
	return removed
}

func (a *Analyzer) evaluate(events []Observation, latest Observation) []Signal {
	var signals []Signal

	// Endpoint hammering: many hits on one path inside the window.
	samePath := 0
	for _, ev := range events {
		if ev.Path == latest.Path {
			samePath++
		}
	}
	if samePath > a.cfg.HammerThreshold {
		signals = append(signals, Signal{
			Name:   "endpoint_hammering",
			Weight: 30,
			Detail: latest.Path,
		})
	}

	// Endpoint-diversity scanning: both breadth and volume must be high.
	unique := make(map[string]struct{}, len(events))
	for _, ev := range events {
		unique[ev.Path] = struct{}{}
	}
	if len(unique) >= a.cfg.ScanPathThreshold && len(events) >= a.cfg.ScanVolumeThreshold {
		signals = append(signals, Signal{
			Name:   "endpoint_scanning",
			Weight: 25,
		})
	}

	// Missing or implausible user agent.
	ua := latest.UserAgent
	if len(ua) < a.cfg.MinAgentLen || len(ua) > a.cfg.MaxAgentLen {
		signals = append(signals, Signal{
			Name:   "anomalous_user_agent",
			Weight: 10,
		})
	}

	// Known bot or offensive-tool user agent; strongest match wins.
	if ua != "" {
		lower := strings.ToLower(ua)
		best := 0
		detail := ""
		for _, agent := range a.agents {
			if agent.Weight > best && strings.Contains(lower, agent.Substring) {
				best = agent.Weight
				detail = agent.Substring
			}
		}
		if best > 0 {
			signals = append(signals, Signal{
				Name:   "known_bot_agent",
				Weight: best,
				Detail: detail,
			})
		}
	}

	// Attack pattern in path or query.
	target := latest.Path
	if latest.Query != "" {
		target += "?" + latest.Query
	}
	if sig := MatchSignatures(a.sigs, target); sig != nil {
		signals = append(signals, Signal{
			Name:   "attack_pattern",
			Weight: sig.Weight,
			Detail: sig.Category,
		})
	}

	// Machine-regular cadence.
	if len(events) >= a.cfg.CadenceSamples {
		first := events[0].Time
		last := events[len(events)-1].Time
		mean := last.Sub(first) / time.Duration(len(events)-1)
		if mean < a.cfg.CadenceFloor {
			signals = append(signals, Signal{
				Name:   "regular_cadence",
				Weight: 20,
				Detail: mean.String(),
			})
		}
	}

	// Fingerprint homogeneity across the most recent requests.
	if n := a.cfg.HomogeneitySample; len(events) >= n {
		recent := events[len(events)-n:]
		fp := recent[0].Fingerprint
		same := fp != ""
		for _, ev := range recent[1:] {
			if ev.Fingerprint != fp {
				same = false
				break
			}
		}
		if same {
			signals = append(signals, Signal{
				Name:   "fingerprint_homogeneity",
				Weight: 15,
			})
		}
	}

	return signals
}

func pruneEvents(events []Observation, cutoff time.Time) []Observation {
	idx := 0
	for idx < len(events) && !events[idx].Time.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return append(events[:0], events[idx:]...)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
