package behavior

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSignatures(t *testing.T) {
	sigs := DefaultSignatures()

	tests := []struct {
		name     string
		target   string
		category string
	}{
		{"union select", "/search?q=union select 1=1", "sql_injection"},
		{"classic tautology", "/items?id=1 or 1=1", "sql_injection"},
		{"drop table", "/api?q=drop table users", "sql_injection"},
		{"script tag", "/comment?body=<script>alert(1)</script>", "xss"},
		{"encoded script tag", "/comment?body=%3Cscript%3E", "xss"},
		{"dotdot slash", "/files/../../etc/passwd", "path_traversal"},
		{"encoded traversal", "/files/%2e%2e%2fsecret", "path_traversal"},
		{"shell chain", "/run?cmd=;cat /etc/hosts", "command_injection"},
		{"subshell", "/run?cmd=$(whoami)", "command_injection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := MatchSignatures(sigs, tt.target)
			require.NotNil(t, sig, "expected a match for %q", tt.target)
			require.Equal(t, tt.category, sig.Category)
		})
	}
}

func TestDefaultSignatures_BenignTargets(t *testing.T) {
	sigs := DefaultSignatures()

	for _, target := range []string{
		"/api/v1/messages",
		"/search?q=union+station+hours",
		"/users/42/profile",
		"/files/report-2026.pdf",
	} {
		require.Nil(t, MatchSignatures(sigs, target), "unexpected match for %q", target)
	}
}

func TestMatchSignatures_StrongestWins(t *testing.T) {
	sigs := DefaultSignatures()

	// Matches both SQLi (40) and command injection (45).
	sig := MatchSignatures(sigs, "/q?v=1=1;cat /etc/passwd")
	require.NotNil(t, sig)
	require.Equal(t, "command_injection", sig.Category)
	require.Equal(t, 45, sig.Weight)
}

func TestSignatureWeightsWithinSpecifiedBand(t *testing.T) {
	for _, sig := range DefaultSignatures() {
		require.GreaterOrEqual(t, sig.Weight, 30, "%s", sig.Category)
		require.LessOrEqual(t, sig.Weight, 45, "%s", sig.Category)
	}
}
