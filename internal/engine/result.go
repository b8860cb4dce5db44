package engine

import (
	"time"
)

// Outcome is the explicit result kind of a lookup: a tier hit, a miss
// (possibly with a freshly computed payload), or an error.
type Outcome int

const (
	// OutcomeHit means a tier answered.
	OutcomeHit Outcome = iota
	// OutcomeMiss means no tier answered; Payload is set when origin
	// compute filled it.
	OutcomeMiss
	// OutcomeError means the request failed before producing a payload:
	// malformed input, quota rejection, or origin failure/timeout.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	default:
		return "error"
	}
}

// Result is the outcome of a cache operation.
type Result struct {
	Outcome     Outcome
	Fingerprint string
	Payload     []byte
	// Tier names the answering tier on a hit ("hot" or "warm").
	Tier    string
	Latency time.Duration
	Err     error
}

// Hit reports whether a tier answered.
func (r Result) Hit() bool { return r.Outcome == OutcomeHit }

// Freshness is the per-request cache bypass flag.
type Freshness int

const (
	// FreshnessNone uses every enabled tier.
	FreshnessNone Freshness = iota
	// FreshnessAbsolute forces origin compute, bypassing Warm and Cold
	// for this call only.
	FreshnessAbsolute
)

// ParseFreshness maps the wire value to a Freshness.
func ParseFreshness(s string) Freshness {
	if s == "absolute" {
		return FreshnessAbsolute
	}
	return FreshnessNone
}
