// Package middleware adapts the protection engine to net/http.
//
// It extracts the request descriptor (client IP through the forwarded-for
// chain, user agent, fingerprint), asks the engine for a decision, and
// translates it into status codes, rate-limit headers and an optional tarpit
// delay.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/manenim/ingress-shield/pkg/engine"
)

// IdentityFunc resolves the caller for a request. The default resolves only
// the network identity; installations with an auth layer upstream supply
// their own to attach user, role and plan.
type IdentityFunc func(r *http.Request) engine.Identity

// Options configures the middleware.
type Options struct {
	// TrustForwardedFor makes the first X-Forwarded-For hop authoritative
	// for the client IP. Enable only behind a trusted proxy.
	TrustForwardedFor bool
	// Identity overrides the default identity resolution.
	Identity IdentityFunc
	// CredentialHeader names the header carrying the attempted auth
	// identifier on login endpoints (default "X-Auth-Identifier").
	CredentialHeader string
}

// Handler wraps next with the full protection pipeline.
func Handler(e *engine.Engine, opts Options) func(http.Handler) http.Handler {
	if opts.CredentialHeader == "" {
		opts.CredentialHeader = "X-Auth-Identifier"
	}
	identityFn := opts.Identity
	if identityFn == nil {
		identityFn = defaultIdentity(opts.TrustForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := &engine.Request{
				Method:     r.Method,
				Path:       r.URL.Path,
				Query:      r.URL.RawQuery,
				Credential: strings.TrimSpace(r.Header.Get(opts.CredentialHeader)),
				RemoteIP:   ClientIP(r, opts.TrustForwardedFor),
				Identity:   identityFn(r),
			}

			dec := e.Check(r.Context(), req)
			for k, v := range dec.Headers() {
				w.Header().Set(k, v)
			}

			if dec.Allow {
				next.ServeHTTP(w, r)
				return
			}

			if dec.TarpitDelay > 0 {
				// The tarpit holds nothing but this goroutine. If the
				// client goes away mid-delay, no response is written.
				if !sleep(r.Context(), dec.TarpitDelay) {
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(dec.Status)
			body := map[string]any{
				"error":  dec.Reason,
				"status": dec.Status,
			}
			if dec.RetryAfter > 0 {
				body["retry_after"] = int64(dec.RetryAfter.Seconds())
			}
			if dec.ChallengeToken != "" {
				body["challenge_token"] = dec.ChallengeToken
			}
			_ = json.NewEncoder(w).Encode(body)
		})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func defaultIdentity(trustXFF bool) IdentityFunc {
	return func(r *http.Request) engine.Identity {
		ip := ClientIP(r, trustXFF)
		ua := r.UserAgent()
		return engine.Identity{
			IP:          ip,
			UserAgent:   ua,
			Fingerprint: Fingerprint(r),
		}
	}
}

// ClientIP resolves the client address, optionally trusting the first hop of
// the X-Forwarded-For chain.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Fingerprint hashes the stable request attributes a client rarely varies.
// It is a weak signal by itself; the analyzer only uses it to notice
// suspicious homogeneity across a burst.
func Fingerprint(r *http.Request) string {
	h := xxhash.New()
	_, _ = h.WriteString(r.UserAgent())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(r.Header.Get("Accept"))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(r.Header.Get("Accept-Language"))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(r.Header.Get("Accept-Encoding"))
	return strconv.FormatUint(h.Sum64(), 16)
}
