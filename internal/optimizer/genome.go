package optimizer

import (
	"errors"
	"fmt"
)

// ErrInvalidGenome marks a genome that fails the promotion gate.
var ErrInvalidGenome = errors.New("invalid policy genome")

// HotStrategies and WarmStrategies enumerate the legal strategy fields.
var (
	HotStrategies  = []string{"lru", "lfu", "fifo"}
	WarmStrategies = []string{"static", "sliding"}
)

// Genome is one candidate tier configuration. Fitness is a pure
// function of the genome and a traffic trace, so evaluation is
// reproducible run to run.
type Genome struct {
	HotEnabled         bool    `json:"hot_enabled"`
	HotStrategy        string  `json:"hot_strategy"`
	WarmEnabled        bool    `json:"warm_enabled"`
	WarmStrategy       string  `json:"warm_strategy"`
	AdmissionThreshold int     `json:"admission_threshold"`
	ProviderCostWeight float64 `json:"provider_cost_weight"`
}

// Bounds are the declared limits a genome must stay within to be
// promoted into the live configuration.
type Bounds struct {
	MaxAdmissionThreshold int
	MaxCostWeight         float64
}

// DefaultBounds matches the configuration defaults.
func DefaultBounds() Bounds {
	return Bounds{MaxAdmissionThreshold: 64, MaxCostWeight: 1.0}
}

// Validate checks the promotion invariants: at least one tier enabled,
// thresholds within bounds, strategies known.
func (g Genome) Validate(b Bounds) error {
	if !g.HotEnabled && !g.WarmEnabled {
		return fmt.Errorf("%w: all tiers disabled", ErrInvalidGenome)
	}
	if g.AdmissionThreshold < 0 || g.AdmissionThreshold > b.MaxAdmissionThreshold {
		return fmt.Errorf("%w: admission threshold %d outside [0,%d]",
			ErrInvalidGenome, g.AdmissionThreshold, b.MaxAdmissionThreshold)
	}
	if g.ProviderCostWeight < 0 || g.ProviderCostWeight > b.MaxCostWeight {
		return fmt.Errorf("%w: cost weight %.3f outside [0,%.3f]",
			ErrInvalidGenome, g.ProviderCostWeight, b.MaxCostWeight)
	}
	if !contains(HotStrategies, g.HotStrategy) {
		return fmt.Errorf("%w: unknown hot strategy %q", ErrInvalidGenome, g.HotStrategy)
	}
	if !contains(WarmStrategies, g.WarmStrategy) {
		return fmt.Errorf("%w: unknown warm strategy %q", ErrInvalidGenome, g.WarmStrategy)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
