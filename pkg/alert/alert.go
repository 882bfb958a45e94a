// Package alert records and dispatches security alerts raised on sustained
// or severe violations.
//
// Alerts are append-only and deduplicated per (identity, type) within a short
// window so a single abusive client cannot turn the alert channel into its
// own flood. Delivery to sinks is best-effort and never fails a request.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Severity classifies an alert by signal strength.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForWeight derives a severity from a signal weight or suspicion
// score contribution.
func SeverityForWeight(weight int) Severity {
	switch {
	case weight >= 45:
		return SeverityCritical
	case weight >= 35:
		return SeverityHigh
	case weight >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Alert is a single security event.
type Alert struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	IdentityKey string            `json:"source_identity"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Sink delivers alerts to an external collaborator (log, webhook, queue).
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Emitter deduplicates and fans alerts out to its sinks.
type Emitter struct {
	mu     sync.Mutex
	recent map[string]time.Time

	window  time.Duration
	sinks   []Sink
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithDedupWindow sets how long identical (identity, type) pairs are
// suppressed (default 1m).
func WithDedupWindow(d time.Duration) Option {
	return func(e *Emitter) { e.window = d }
}

// WithSinks replaces the sink list.
func WithSinks(sinks ...Sink) Option {
	return func(e *Emitter) { e.sinks = sinks }
}

// WithRateLimit bounds overall alert throughput as a storm brake beyond
// dedup (default 10/s, burst 20).
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Emitter) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Emitter) { e.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		recent:  make(map[string]time.Time),
		window:  time.Minute,
		limiter: rate.NewLimiter(10, 20),
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.sinks) == 0 {
		e.sinks = []Sink{NewLogSink(e.log)}
	}
	return e
}

// Emit records the alert unless an identical one fired within the dedup
// window. Returns true when the alert was dispatched.
func (e *Emitter) Emit(ctx context.Context, a Alert) bool {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}

	dedupKey := a.IdentityKey + "|" + a.Type
	now := e.now()

	e.mu.Lock()
	if last, ok := e.recent[dedupKey]; ok && now.Sub(last) < e.window {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	// The brake is checked before the dedup slot is claimed, so a dropped
	// alert stays eligible to fire once the brake clears.
	if !e.limiter.Allow() {
		e.log.Warn("alert dropped by storm brake", zap.String("type", a.Type))
		return false
	}

	e.mu.Lock()
	e.recent[dedupKey] = now
	e.mu.Unlock()

	for _, sink := range e.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			e.log.Error("alert delivery failed",
				zap.String("alert_id", a.ID),
				zap.String("type", a.Type),
				zap.Error(err),
			)
		}
	}
	return true
}

// Sweep drops dedup entries older than the window. Called by the engine's
// janitor.
func (e *Emitter) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, at := range e.recent {
		if now.Sub(at) >= e.window {
			delete(e.recent, key)
			removed++
		}
	}
	return removed
}

// LogSink appends alerts to the structured log. The log is the durable
// append-only record; external sinks are optional extras.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	s.log.Warn("security alert",
		zap.String("alert_id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", string(a.Severity)),
		zap.String("identity", a.IdentityKey),
		zap.Any("evidence", a.Evidence),
		zap.Time("at", a.Timestamp),
	)
	return nil
}

// WebhookSink posts alerts as JSON to an external notification endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*WebhookSink)(nil)
)
