package tier

// Tranche selects how tight the effective limits are for one request cycle.
// The behavior analyzer's suspicion score picks the tranche, which is the
// adaptive mechanism: a client exhibiting several weak abuse signals at once
// gets tighter ceilings with no manual intervention.
type Tranche int

const (
	TrancheLenient Tranche = iota
	TrancheModerate
	TrancheStrict
)

// TrancheForScore maps a 0-100 suspicion score to a tranche.
func TrancheForScore(score int) Tranche {
	switch {
	case score >= 50:
		return TrancheStrict
	case score >= 20:
		return TrancheModerate
	default:
		return TrancheLenient
	}
}

// Multiplier scales a base limit down for suspicious clients.
func (t Tranche) Multiplier() float64 {
	switch t {
	case TrancheStrict:
		return 0.25
	case TrancheModerate:
		return 0.5
	default:
		return 1.0
	}
}

func (t Tranche) String() string {
	switch t {
	case TrancheStrict:
		return "strict"
	case TrancheModerate:
		return "moderate"
	default:
		return "lenient"
	}
}
