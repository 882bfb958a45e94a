package tier

import (
	"strings"
	"time"
)

// Scope decides which identity attribute keys a rule's counter.
type Scope string

const (
	// ScopeIdentity keys by resolved user, falling back to IP.
	ScopeIdentity Scope = "identity"
	// ScopeIP always keys by client IP.
	ScopeIP Scope = "ip"
	// ScopeCredentialIP keys by the attempted credential identifier and the
	// client IP jointly. Used on authentication endpoints so an attacker
	// cannot spread attempts across accounts or addresses.
	ScopeCredentialIP Scope = "credential_ip"
)

// Rule is one immutable rate-limit rule. The effective limit already has the
// tranche multiplier applied; the engine applies the tier burst multiplier on
// top when evaluating.
type Rule struct {
	ID      string
	Window  time.Duration
	Limit   int64
	Sliding bool
	Scope   Scope
}

// Resolver maps identities to tiers and produces the ordered rule list for a
// request. It is read-only after construction and safe for concurrent use.
type Resolver struct {
	cfg *Config
}

func NewResolver(cfg *Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve picks the tier from resolved role and subscription attributes.
// Unresolved identities are anonymous.
func (r *Resolver) Resolve(authenticated bool, role, plan string) Tier {
	switch {
	case role == "admin":
		return Admin
	case plan == "enterprise":
		return Enterprise
	case plan == "premium":
		return Premium
	case authenticated:
		return Free
	default:
		return Anonymous
	}
}

// Limits returns the tier's ceiling table.
func (r *Resolver) Limits(t Tier) Limits {
	return r.cfg.Tiers[t]
}

var mutatingMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Rules returns every rule applicable to the request, most specific
// path-match first, ending with the global ceilings. All returned rules are
// evaluated together (logical AND); the caller short-circuits on the first
// denial.
//
// The global per-minute ceiling uses a sliding window for precise, non-bursty
// enforcement; the wider ceilings use cheap fixed windows.
func (r *Resolver) Rules(t Tier, method, path string, tr Tranche) []Rule {
	lim := r.cfg.Tiers[t]
	prefix := string(t) + ":"
	rules := make([]Rule, 0, 7)

	if r.isAuthPath(path) {
		rules = append(rules, Rule{
			ID:     prefix + "auth-15m",
			Window: 15 * time.Minute,
			Limit:  scale(lim.AuthPerQuarterHour, tr),
			Scope:  ScopeCredentialIP,
		})
	}
	if strings.HasPrefix(path, r.cfg.Paths.Upload) && mutatingMethods[method] {
		rules = append(rules, Rule{
			ID:     prefix + "upload-1h",
			Window: time.Hour,
			Limit:  scale(lim.UploadsPerHour, tr),
			Scope:  ScopeIdentity,
		})
	}
	if strings.HasPrefix(path, r.cfg.Paths.Search) {
		rules = append(rules, Rule{
			ID:     prefix + "search-1m",
			Window: time.Minute,
			Limit:  scale(lim.SearchesPerMinute, tr),
			Scope:  ScopeIdentity,
		})
	}
	if strings.HasPrefix(path, r.cfg.Paths.Moderation) {
		rules = append(rules, Rule{
			ID:     prefix + "moderation-1d",
			Window: 24 * time.Hour,
			Limit:  scale(lim.ModerationPerDay, tr),
			Scope:  ScopeIdentity,
		})
	}
	if mutatingMethods[method] && !r.isAuthPath(path) {
		rules = append(rules, Rule{
			ID:     prefix + "mutation-1m",
			Window: time.Minute,
			Limit:  scale(lim.MutationsPerMinute, tr),
			Scope:  ScopeIdentity,
		})
	}

	rules = append(rules,
		Rule{
			ID:      prefix + "global-1m",
			Window:  time.Minute,
			Limit:   scale(lim.PerMinute, tr),
			Sliding: true,
			Scope:   ScopeIdentity,
		},
		Rule{
			ID:     prefix + "global-1h",
			Window: time.Hour,
			Limit:  scale(lim.PerHour, tr),
			Scope:  ScopeIdentity,
		},
		Rule{
			ID:     prefix + "global-1d",
			Window: 24 * time.Hour,
			Limit:  scale(lim.PerDay, tr),
			Scope:  ScopeIdentity,
		},
	)
	return rules
}

func (r *Resolver) isAuthPath(path string) bool {
	for _, p := range r.cfg.Paths.Auth {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// scale applies the tranche multiplier. A non-zero base never scales below 1
// so a well-behaved client is never locked out purely by tranche selection;
// a zero base stays zero (capability not allowed for the tier).
func scale(limit int64, tr Tranche) int64 {
	if limit == 0 {
		return 0
	}
	scaled := int64(float64(limit) * tr.Multiplier())
	if scaled < 1 {
		return 1
	}
	return scaled
}
