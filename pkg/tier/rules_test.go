package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := NewResolver(Default())

	tests := []struct {
		name          string
		authenticated bool
		role, plan    string
		want          Tier
	}{
		{"unauthenticated", false, "", "", Anonymous},
		{"authenticated no plan", true, "", "", Free},
		{"premium plan", true, "", "premium", Premium},
		{"enterprise plan", true, "", "enterprise", Enterprise},
		{"admin role wins over plan", true, "admin", "premium", Admin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, r.Resolve(tt.authenticated, tt.role, tt.plan))
		})
	}
}

func TestRules_AuthPathIsMostSpecificFirst(t *testing.T) {
	r := NewResolver(Default())

	rules := r.Rules(Free, "POST", "/auth/login", TrancheLenient)
	require.NotEmpty(t, rules)
	require.Equal(t, "free:auth-15m", rules[0].ID)
	require.Equal(t, ScopeCredentialIP, rules[0].Scope)
	require.Equal(t, 15*time.Minute, rules[0].Window)

	// Auth requests are not double-counted as generic mutations.
	for _, rule := range rules {
		require.NotEqual(t, "free:mutation-1m", rule.ID)
	}
}

func TestRules_GlobalCeilingsAlwaysPresent(t *testing.T) {
	r := NewResolver(Default())

	rules := r.Rules(Premium, "GET", "/anything", TrancheLenient)
	ids := make([]string, len(rules))
	for i, rule := range rules {
		ids[i] = rule.ID
	}
	require.Equal(t, []string{"premium:global-1m", "premium:global-1h", "premium:global-1d"}, ids)
	require.True(t, rules[0].Sliding, "per-minute ceiling uses a sliding window")
	require.False(t, rules[1].Sliding)
}

func TestRules_AnonymousMutationsDenied(t *testing.T) {
	r := NewResolver(Default())

	rules := r.Rules(Anonymous, "POST", "/messages", TrancheLenient)
	require.Equal(t, "anonymous:mutation-1m", rules[0].ID)
	require.Equal(t, int64(0), rules[0].Limit, "anonymous tier has zero mutation allowance")
}

func TestRules_TrancheScalesLimitsDown(t *testing.T) {
	r := NewResolver(Default())

	lenient := r.Rules(Free, "GET", "/feed", TrancheLenient)[0]
	moderate := r.Rules(Free, "GET", "/feed", TrancheModerate)[0]
	strict := r.Rules(Free, "GET", "/feed", TrancheStrict)[0]

	require.Equal(t, int64(60), lenient.Limit)
	require.Equal(t, int64(30), moderate.Limit)
	require.Equal(t, int64(15), strict.Limit)
}

func TestRules_TrancheNeverZeroesNonZeroLimit(t *testing.T) {
	r := NewResolver(Default())

	// Anonymous auth ceiling is 5; strict quarter would floor to 1, not 0.
	rules := r.Rules(Anonymous, "POST", "/auth/login", TrancheStrict)
	require.Equal(t, int64(1), rules[0].Limit)
}

func TestTrancheForScore(t *testing.T) {
	require.Equal(t, TrancheLenient, TrancheForScore(0))
	require.Equal(t, TrancheLenient, TrancheForScore(19))
	require.Equal(t, TrancheModerate, TrancheForScore(20))
	require.Equal(t, TrancheModerate, TrancheForScore(49))
	require.Equal(t, TrancheStrict, TrancheForScore(50))
	require.Equal(t, TrancheStrict, TrancheForScore(100))
}

func TestRules_UploadRequiresMutatingMethod(t *testing.T) {
	r := NewResolver(Default())

	post := r.Rules(Free, "POST", "/upload/avatar", TrancheLenient)
	require.Equal(t, "free:upload-1h", post[0].ID)

	get := r.Rules(Free, "GET", "/upload/avatar", TrancheLenient)
	require.Equal(t, "free:global-1m", get[0].ID)
}
