package engine

import (
	"strconv"
	"time"

	"github.com/manenim/ingress-shield/pkg/mitigate"
	"github.com/manenim/ingress-shield/pkg/tier"
)

// Identity is the resolved caller for one request. It is produced by an
// upstream auth collaborator and treated as immutable input; an unresolved
// identity is keyed by IP and limited as anonymous.
type Identity struct {
	IP          string
	UserID      string
	APIKey      string
	Role        string
	Plan        string
	UserAgent   string
	Fingerprint string
}

// Authenticated reports whether the caller resolved to a user or API key.
func (id Identity) Authenticated() bool {
	return id.UserID != "" || id.APIKey != ""
}

// Key returns the identity's stable counter key: user first, then API key,
// then IP.
func (id Identity) Key() string {
	switch {
	case id.UserID != "":
		return "user:" + id.UserID
	case id.APIKey != "":
		return "key:" + id.APIKey
	default:
		return "ip:" + id.IP
	}
}

// Request is the inbound HTTP(S) request descriptor the engine evaluates.
type Request struct {
	Method string
	Path   string
	Query  string
	// Credential is the identifier being attempted on auth endpoints
	// (login name, email). Optional; supplied by the upstream auth
	// collaborator so auth ceilings can key on identifier and IP jointly.
	Credential string
	RemoteIP   string
	Identity   Identity
}

// Reason codes carried on every decision, machine-readable.
const (
	ReasonOK          = "ok"
	ReasonWhitelisted = "whitelisted"
	ReasonRateLimited = "rate_limited"
	ReasonTarpitted   = "tarpitted"
	ReasonBanActive   = "ban_active"
	ReasonDegraded    = "degraded"
)

// Decision is the engine's outbound verdict for one request.
type Decision struct {
	Allow      bool
	Status     int
	Reason     string
	RuleID     string
	Tier       tier.Tier
	State      mitigate.State
	Score      int
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// TarpitDelay is the artificial delay the caller must apply before
	// responding. Bounded; zero for non-tarpitted decisions.
	TarpitDelay time.Duration
	// ChallengeToken is set when escalation issued a challenge the client
	// may complete to clear its tarpit state.
	ChallengeToken string
}

// Headers returns the standard rate-limit response headers. Even on allow
// they reflect the most restrictive evaluated rule so well-behaved clients
// can self-throttle proactively.
func (d *Decision) Headers() map[string]string {
	h := make(map[string]string, 4)
	if d.Limit > 0 || d.RuleID != "" {
		h["X-RateLimit-Limit"] = strconv.FormatInt(d.Limit, 10)
		h["X-RateLimit-Remaining"] = strconv.FormatInt(d.Remaining, 10)
	}
	if !d.ResetAt.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(d.ResetAt.Unix(), 10)
	}
	if !d.Allow && d.RetryAfter > 0 {
		secs := int64(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.FormatInt(secs, 10)
	}
	return h
}
