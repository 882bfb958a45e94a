package behavior

import "regexp"

// Signature is one row of the data-driven attack-pattern table. The table is
// compiled once at startup and never mutated, so it can be unit-tested
// independently of the scoring engine.
type Signature struct {
	Category string
	Weight   int
	Pattern  *regexp.Regexp
}

// AgentSignature matches a known crawler or offensive-tooling user agent by
// substring (matched case-insensitively against the lowercased UA).
type AgentSignature struct {
	Substring string
	Weight    int
}

// DefaultSignatures returns the built-in attack-pattern table applied to the
// request path and query string.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			Category: "command_injection",
			Weight:   45,
			Pattern:  regexp.MustCompile(`(?i)([;|]\s*(cat|ls|id|whoami|wget|curl|nc|bash|sh)\b|\$\((?:.*?)\)|` + "`[^`]*`" + `|&&\s*(cat|rm|wget|curl)\b)`),
		},
		{
			Category: "sql_injection",
			Weight:   40,
			Pattern:  regexp.MustCompile(`(?i)(union[\s+%20]+(all[\s+%20]+)?select|select[\s+%20].+[\s+%20]from[\s+%20]|insert[\s+%20]+into|drop[\s+%20]+table|delete[\s+%20]+from|1\s*=\s*1|'\s*or\s*'|"\s*or\s*"|--\s|/\*.*\*/|xp_cmdshell)`),
		},
		{
			Category: "path_traversal",
			Weight:   35,
			Pattern:  regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|/etc/(passwd|shadow)|c:\\windows)`),
		},
		{
			Category: "xss",
			Weight:   30,
			Pattern:  regexp.MustCompile(`(?i)(<script|%3cscript|javascript:|onerror\s*=|onload\s*=|document\.cookie|alert\s*\()`),
		},
	}
}

// DefaultAgentSignatures returns the built-in bot and tooling UA table.
// Offensive tools score far higher than ordinary automation.
func DefaultAgentSignatures() []AgentSignature {
	return []AgentSignature{
		{Substring: "sqlmap", Weight: 50},
		{Substring: "nikto", Weight: 50},
		{Substring: "metasploit", Weight: 50},
		{Substring: "hydra", Weight: 45},
		{Substring: "nmap", Weight: 45},
		{Substring: "masscan", Weight: 45},
		{Substring: "nessus", Weight: 45},
		{Substring: "dirbuster", Weight: 40},
		{Substring: "gobuster", Weight: 40},
		{Substring: "wpscan", Weight: 40},
		{Substring: "scrapy", Weight: 25},
		{Substring: "python-requests", Weight: 20},
		{Substring: "go-http-client", Weight: 15},
		{Substring: "curl/", Weight: 15},
		{Substring: "wget/", Weight: 15},
		{Substring: "headlesschrome", Weight: 15},
		{Substring: "phantomjs", Weight: 15},
		{Substring: "bot", Weight: 15},
		{Substring: "crawler", Weight: 15},
		{Substring: "spider", Weight: 15},
	}
}

// MatchSignatures returns the strongest matching signature for the given
// target, or nil when none match.
func MatchSignatures(sigs []Signature, target string) *Signature {
	var best *Signature
	for i := range sigs {
		if sigs[i].Pattern.MatchString(target) {
			if best == nil || sigs[i].Weight > best.Weight {
				best = &sigs[i]
			}
		}
	}
	return best
}
