// Package tier maps resolved identities to a named caller class and its full
// rate-limit rule table.
//
// The configuration is a single versioned YAML document validated at load
// time. Validation is all-or-nothing: a malformed table is rejected outright
// and no partial rule set is ever produced.
package tier

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure. Callers should
// treat it as fatal at startup.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30m", "1h") or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Tier is a named caller class with its own limit table.
type Tier string

const (
	Anonymous  Tier = "anonymous"
	Free       Tier = "free"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
	Admin      Tier = "admin"
)

// Ordered returns all tiers from least to most privileged.
func Ordered() []Tier {
	return []Tier{Anonymous, Free, Premium, Enterprise, Admin}
}

// Limits is the per-tier ceiling table. All counts are per the capability's
// native window (see the rule builder in rules.go).
type Limits struct {
	// BurstMultiplier is the temporary overshoot allowance applied to every
	// ceiling. Shrinks with tier privilege: low tiers have small base
	// ceilings and get proportionally more headroom for legitimate spikes,
	// while high tiers already carry large ceilings.
	BurstMultiplier float64 `yaml:"burst_multiplier"`

	// Cooldown is how long a violator's escalation state lingers before it
	// may decay. Shrinks with tier privilege.
	Cooldown Duration `yaml:"cooldown"`

	PerMinute int64 `yaml:"per_minute"`
	PerHour   int64 `yaml:"per_hour"`
	PerDay    int64 `yaml:"per_day"`

	// AuthPerQuarterHour bounds login/register/password-reset attempts,
	// keyed by identifier and IP jointly. The tightest ceiling in the table.
	AuthPerQuarterHour int64 `yaml:"auth_per_quarter_hour"`

	MutationsPerMinute int64 `yaml:"mutations_per_minute"`
	UploadsPerHour     int64 `yaml:"uploads_per_hour"`
	SearchesPerMinute  int64 `yaml:"searches_per_minute"`

	// ModerationPerDay is the metered quota for AI moderation calls.
	ModerationPerDay int64 `yaml:"moderation_per_day"`
}

// Paths declares which URL prefixes map to specialized ceilings.
type Paths struct {
	Auth       []string `yaml:"auth"`
	Upload     string   `yaml:"upload"`
	Search     string   `yaml:"search"`
	Moderation string   `yaml:"moderation"`
}

// Config is the immutable rule table for all tiers.
type Config struct {
	Tiers map[Tier]Limits `yaml:"tiers"`
	Paths Paths           `yaml:"paths"`
}

// Default returns the fully populated built-in table. Every default lives
// here; nothing else fills in blanks later.
func Default() *Config {
	return &Config{
		Tiers: map[Tier]Limits{
			Anonymous: {
				BurstMultiplier:    2.0,
				Cooldown:           Duration(60 * time.Minute),
				PerMinute:          30,
				PerHour:            500,
				PerDay:             2000,
				AuthPerQuarterHour: 5,
				MutationsPerMinute: 0,
				UploadsPerHour:     0,
				SearchesPerMinute:  10,
				ModerationPerDay:   0,
			},
			Free: {
				BurstMultiplier:    1.8,
				Cooldown:           Duration(30 * time.Minute),
				PerMinute:          60,
				PerHour:            2000,
				PerDay:             10000,
				AuthPerQuarterHour: 10,
				MutationsPerMinute: 30,
				UploadsPerHour:     20,
				SearchesPerMinute:  30,
				ModerationPerDay:   50,
			},
			Premium: {
				BurstMultiplier:    1.5,
				Cooldown:           Duration(15 * time.Minute),
				PerMinute:          300,
				PerHour:            10000,
				PerDay:             50000,
				AuthPerQuarterHour: 15,
				MutationsPerMinute: 120,
				UploadsPerHour:     100,
				SearchesPerMinute:  120,
				ModerationPerDay:   500,
			},
			Enterprise: {
				BurstMultiplier:    1.2,
				Cooldown:           Duration(5 * time.Minute),
				PerMinute:          1200,
				PerHour:            50000,
				PerDay:             250000,
				AuthPerQuarterHour: 20,
				MutationsPerMinute: 600,
				UploadsPerHour:     500,
				SearchesPerMinute:  600,
				ModerationPerDay:   5000,
			},
			Admin: {
				BurstMultiplier:    1.1,
				Cooldown:           Duration(1 * time.Minute),
				PerMinute:          6000,
				PerHour:            200000,
				PerDay:             1000000,
				AuthPerQuarterHour: 30,
				MutationsPerMinute: 3000,
				UploadsPerHour:     2000,
				SearchesPerMinute:  3000,
				ModerationPerDay:   50000,
			},
		},
		Paths: Paths{
			Auth:       []string{"/auth/login", "/auth/register", "/auth/password-reset"},
			Upload:     "/upload",
			Search:     "/search",
			Moderation: "/moderation",
		},
	}
}

// Load reads and validates a YAML table from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML table and validates it. Paths left empty fall back to
// the built-in defaults; tier tables must be complete.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	def := Default()
	if len(cfg.Paths.Auth) == 0 {
		cfg.Paths.Auth = def.Paths.Auth
	}
	if cfg.Paths.Upload == "" {
		cfg.Paths.Upload = def.Paths.Upload
	}
	if cfg.Paths.Search == "" {
		cfg.Paths.Search = def.Paths.Search
	}
	if cfg.Paths.Moderation == "" {
		cfg.Paths.Moderation = def.Paths.Moderation
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks completeness, sane values, and the tier ordering
// invariants: every ceiling is non-decreasing with privilege, the burst
// multiplier and the cooldown both strictly decrease with privilege, and the
// anonymous tier has zero allowance for every mutating capability.
func (c *Config) Validate() error {
	for _, t := range Ordered() {
		lim, ok := c.Tiers[t]
		if !ok {
			return fmt.Errorf("%w: tier %q missing", ErrInvalidConfig, t)
		}
		if lim.BurstMultiplier < 1.0 {
			return fmt.Errorf("%w: tier %q burst_multiplier %v < 1.0", ErrInvalidConfig, t, lim.BurstMultiplier)
		}
		if lim.Cooldown <= 0 {
			return fmt.Errorf("%w: tier %q cooldown must be positive", ErrInvalidConfig, t)
		}
		for name, v := range map[string]int64{
			"per_minute":            lim.PerMinute,
			"per_hour":              lim.PerHour,
			"per_day":               lim.PerDay,
			"auth_per_quarter_hour": lim.AuthPerQuarterHour,
			"mutations_per_minute":  lim.MutationsPerMinute,
			"uploads_per_hour":      lim.UploadsPerHour,
			"searches_per_minute":   lim.SearchesPerMinute,
			"moderation_per_day":    lim.ModerationPerDay,
		} {
			if v < 0 {
				return fmt.Errorf("%w: tier %q %s is negative", ErrInvalidConfig, t, name)
			}
		}
	}

	anon := c.Tiers[Anonymous]
	if anon.MutationsPerMinute != 0 || anon.UploadsPerHour != 0 || anon.ModerationPerDay != 0 {
		return fmt.Errorf("%w: anonymous tier must have zero allowance for mutating capabilities", ErrInvalidConfig)
	}

	ordered := Ordered()
	for i := 1; i < len(ordered); i++ {
		lo, hi := c.Tiers[ordered[i-1]], c.Tiers[ordered[i]]
		if hi.BurstMultiplier >= lo.BurstMultiplier {
			return fmt.Errorf("%w: burst_multiplier must strictly decrease from %q to %q", ErrInvalidConfig, ordered[i-1], ordered[i])
		}
		if hi.Cooldown >= lo.Cooldown {
			return fmt.Errorf("%w: cooldown must strictly decrease from %q to %q", ErrInvalidConfig, ordered[i-1], ordered[i])
		}
		if hi.PerMinute < lo.PerMinute || hi.PerHour < lo.PerHour || hi.PerDay < lo.PerDay {
			return fmt.Errorf("%w: global ceilings must not decrease from %q to %q", ErrInvalidConfig, ordered[i-1], ordered[i])
		}
	}
	return nil
}
