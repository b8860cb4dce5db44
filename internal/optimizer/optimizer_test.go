package optimizer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcache/agentcache/internal/store"
)

// repeatedTrace builds a workload where a handful of fingerprints recur
// heavily, so caching is clearly worth it.
func repeatedTrace(n int) []store.TraceEntry {
	trace := make([]store.TraceEntry, 0, n)
	for i := 0; i < n; i++ {
		trace = append(trace, store.TraceEntry{
			Namespace:   "acme",
			Fingerprint: fmt.Sprintf("fp-%d", i%5),
			Cost:        2.0,
		})
	}
	return trace
}

func validGenome() Genome {
	return Genome{
		HotEnabled: true, HotStrategy: "lru",
		WarmEnabled: true, WarmStrategy: "static",
		AdmissionThreshold: 2, ProviderCostWeight: 0.5,
	}
}

func TestFitnessDeterministic(t *testing.T) {
	trace := repeatedTrace(200)
	g := validGenome()
	assert.Equal(t, Fitness(g, trace), Fitness(g, trace))
}

func TestFitnessRewardsCachingOnRepetitiveTrace(t *testing.T) {
	trace := repeatedTrace(200)

	warm := Genome{WarmEnabled: true, WarmStrategy: "static", HotStrategy: "lru"}
	hotOnlyHighBar := Genome{HotEnabled: true, HotStrategy: "lru", WarmStrategy: "static", AdmissionThreshold: 1000}

	assert.Greater(t, Fitness(warm, trace), Fitness(hotOnlyHighBar, trace),
		"a warm tier that actually hits should beat an unreachable admission bar")
}

func TestEvolveMaxFitnessMonotonic(t *testing.T) {
	trace := repeatedTrace(300)
	res := Evolve(trace, Config{Population: 16, Generations: 20, Seed: 42}, nil)

	require.NotEmpty(t, res.History)
	for i := 1; i < len(res.History); i++ {
		assert.GreaterOrEqual(t, res.History[i], res.History[i-1],
			"max fitness must never regress (generation %d)", i)
	}
	assert.Equal(t, res.History[len(res.History)-1], res.BestFitness)
}

func TestEvolveReproducibleWithSeed(t *testing.T) {
	trace := repeatedTrace(300)
	cfg := Config{Population: 16, Generations: 15, Seed: 7}

	a := Evolve(trace, cfg, nil)
	b := Evolve(trace, cfg, nil)
	assert.Equal(t, a.Best, b.Best)
	assert.Equal(t, a.BestFitness, b.BestFitness)
}

func TestEvolveBestAlwaysValid(t *testing.T) {
	trace := repeatedTrace(100)
	for seed := int64(0); seed < 5; seed++ {
		res := Evolve(trace, Config{Population: 12, Generations: 10, Seed: seed}, nil)
		require.NoError(t, res.Best.Validate(DefaultBounds()),
			"seed %d produced an invalid winner", seed)
		assert.True(t, res.Best.HotEnabled || res.Best.WarmEnabled)
	}
}

func TestEvolvePlateauStopsEarly(t *testing.T) {
	trace := repeatedTrace(100)
	res := Evolve(trace, Config{Population: 12, Generations: 100, Plateau: 3, Seed: 1}, nil)
	assert.Less(t, res.Generations, 100)
}

func TestValidate(t *testing.T) {
	b := DefaultBounds()

	require.NoError(t, validGenome().Validate(b))

	cases := map[string]func(*Genome){
		"all tiers disabled": func(g *Genome) { g.HotEnabled = false; g.WarmEnabled = false },
		"negative threshold": func(g *Genome) { g.AdmissionThreshold = -1 },
		"threshold too high": func(g *Genome) { g.AdmissionThreshold = b.MaxAdmissionThreshold + 1 },
		"cost weight high":   func(g *Genome) { g.ProviderCostWeight = b.MaxCostWeight + 0.1 },
		"bad hot strategy":   func(g *Genome) { g.HotStrategy = "clock" },
		"bad warm strategy":  func(g *Genome) { g.WarmStrategy = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g := validGenome()
			mutate(&g)
			assert.ErrorIs(t, g.Validate(b), ErrInvalidGenome)
		})
	}
}

func TestPromoteGate(t *testing.T) {
	current := validGenome()

	good := validGenome()
	good.AdmissionThreshold = 5
	promoted, err := Promote(current, good, DefaultBounds(), nil)
	require.NoError(t, err)
	assert.Equal(t, good, promoted)

	bad := validGenome()
	bad.HotEnabled = false
	bad.WarmEnabled = false
	kept, err := Promote(current, bad, DefaultBounds(), nil)
	assert.ErrorIs(t, err, ErrInvalidGenome)
	assert.Equal(t, current, kept, "previous configuration retained on rejection")
}
