// Package optimizer searches tier configurations offline with an
// elitist genetic algorithm. It only ever consumes recorded traffic,
// never the live request path, and its winners are applied through a
// validity gate rather than automatically.
package optimizer

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/store"
)

// Per-access bookkeeping penalties charged against enabled tiers.
const (
	hotOverheadPerAccess  = 0.002
	warmOverheadPerAccess = 0.001
)

// Config bounds the evolutionary search.
type Config struct {
	Population  int
	Generations int
	Elites      int
	// MutationRate is the per-field mutation probability applied to
	// crossover offspring.
	MutationRate float64
	// Plateau stops early after this many generations without
	// improvement of the maximum fitness. Zero disables early stop.
	Plateau int
	// Seed makes a run reproducible.
	Seed   int64
	Bounds Bounds
}

func (c Config) withDefaults() Config {
	if c.Population <= 0 {
		c.Population = 24
	}
	if c.Generations <= 0 {
		c.Generations = 40
	}
	if c.Elites <= 0 || c.Elites >= c.Population {
		c.Elites = c.Population / 4
		if c.Elites < 2 {
			c.Elites = 2
		}
	}
	if c.MutationRate <= 0 {
		c.MutationRate = 0.15
	}
	if c.Bounds == (Bounds{}) {
		c.Bounds = DefaultBounds()
	}
	return c
}

// Result reports the winning genome and the fitness trajectory.
type Result struct {
	Best        Genome
	BestFitness float64
	Generations int
	// History holds the max population fitness per generation; it is
	// non-decreasing because elites survive unchanged.
	History []float64
}

// Fitness scores a genome against a trace: simulated hit value minus
// per-tier overhead minus cost-weighted origin spend. Deterministic
// given genome and trace.
func Fitness(g Genome, trace []store.TraceEntry) float64 {
	freq := make(map[string]int)
	cached := make(map[string]bool)

	var hitValue, missCost float64
	for _, e := range trace {
		cost := e.Cost
		if cost <= 0 {
			cost = 1
		}
		key := e.Namespace + "/" + e.Fingerprint

		hit := false
		if cached[key] {
			switch {
			case g.WarmEnabled:
				hit = true
			case g.HotEnabled && freq[key] >= g.AdmissionThreshold:
				hit = true
			}
		}
		if hit {
			hitValue += cost
		} else {
			missCost += cost
		}

		freq[key]++
		if g.WarmEnabled || (g.HotEnabled && freq[key] > g.AdmissionThreshold) {
			cached[key] = true
		}
	}

	var overhead float64
	n := float64(len(trace))
	if g.HotEnabled {
		overhead += hotOverheadPerAccess * n
	}
	if g.WarmEnabled {
		overhead += warmOverheadPerAccess * n
	}
	return hitValue - overhead - g.ProviderCostWeight*missCost
}

// Evolve runs the search over a recorded trace.
func Evolve(trace []store.TraceEntry, cfg Config, log *logrus.Logger) Result {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	pop := make([]Genome, cfg.Population)
	for i := range pop {
		pop[i] = randomGenome(rng, cfg.Bounds)
	}

	type scored struct {
		g Genome
		f float64
	}
	score := func(pop []Genome) []scored {
		out := make([]scored, len(pop))
		for i, g := range pop {
			out[i] = scored{g: g, f: Fitness(g, trace)}
		}
		// Insertion sort keeps equal-fitness order stable.
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && out[j].f > out[j-1].f; j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		return out
	}

	var history []float64
	var best scored
	sinceImproved := 0
	gens := 0

	for gen := 0; gen < cfg.Generations; gen++ {
		gens = gen + 1
		ranked := score(pop)

		if gen == 0 || ranked[0].f > best.f {
			best = ranked[0]
			sinceImproved = 0
		} else {
			sinceImproved++
		}
		history = append(history, best.f)

		if log != nil {
			log.WithFields(logrus.Fields{
				"generation": gen,
				"max":        ranked[0].f,
				"best":       best.f,
			}).Debug("optimizer: generation scored")
		}

		if cfg.Plateau > 0 && sinceImproved >= cfg.Plateau {
			break
		}

		// Elites survive unchanged; the rest are offspring.
		next := make([]Genome, 0, cfg.Population)
		for i := 0; i < cfg.Elites; i++ {
			next = append(next, ranked[i].g)
		}
		for len(next) < cfg.Population {
			a := ranked[rng.Intn(cfg.Elites)].g
			b := ranked[rng.Intn(cfg.Elites)].g
			child := mutate(crossover(a, b, rng), rng, cfg.MutationRate, cfg.Bounds)
			next = append(next, child)
		}
		pop = next
	}

	return Result{Best: best.g, BestFitness: best.f, Generations: gens, History: history}
}

// Promote gates a candidate genome into the live configuration. On any
// validation failure the previous genome is returned untouched and the
// rejection reason is logged; optimizer output is never applied
// silently.
func Promote(current, candidate Genome, bounds Bounds, log *logrus.Logger) (Genome, error) {
	if err := candidate.Validate(bounds); err != nil {
		if log != nil {
			log.WithError(err).Warn("optimizer: promotion rejected, keeping previous configuration")
		}
		return current, err
	}
	if log != nil {
		log.WithFields(logrus.Fields{
			"hot":       candidate.HotEnabled,
			"warm":      candidate.WarmEnabled,
			"admission": candidate.AdmissionThreshold,
		}).Info("optimizer: genome promoted")
	}
	return candidate, nil
}

func randomGenome(rng *rand.Rand, b Bounds) Genome {
	g := Genome{
		HotEnabled:         rng.Intn(2) == 0,
		HotStrategy:        HotStrategies[rng.Intn(len(HotStrategies))],
		WarmEnabled:        rng.Intn(2) == 0,
		WarmStrategy:       WarmStrategies[rng.Intn(len(WarmStrategies))],
		AdmissionThreshold: rng.Intn(b.MaxAdmissionThreshold + 1),
		ProviderCostWeight: rng.Float64() * b.MaxCostWeight,
	}
	return repair(g, rng)
}

func crossover(a, b Genome, rng *rand.Rand) Genome {
	pick := func() bool { return rng.Intn(2) == 0 }
	g := Genome{}
	if pick() {
		g.HotEnabled = a.HotEnabled
	} else {
		g.HotEnabled = b.HotEnabled
	}
	if pick() {
		g.HotStrategy = a.HotStrategy
	} else {
		g.HotStrategy = b.HotStrategy
	}
	if pick() {
		g.WarmEnabled = a.WarmEnabled
	} else {
		g.WarmEnabled = b.WarmEnabled
	}
	if pick() {
		g.WarmStrategy = a.WarmStrategy
	} else {
		g.WarmStrategy = b.WarmStrategy
	}
	if pick() {
		g.AdmissionThreshold = a.AdmissionThreshold
	} else {
		g.AdmissionThreshold = b.AdmissionThreshold
	}
	if pick() {
		g.ProviderCostWeight = a.ProviderCostWeight
	} else {
		g.ProviderCostWeight = b.ProviderCostWeight
	}
	return g
}

func mutate(g Genome, rng *rand.Rand, rate float64, b Bounds) Genome {
	hit := func() bool { return rng.Float64() < rate }
	if hit() {
		g.HotEnabled = !g.HotEnabled
	}
	if hit() {
		g.HotStrategy = HotStrategies[rng.Intn(len(HotStrategies))]
	}
	if hit() {
		g.WarmEnabled = !g.WarmEnabled
	}
	if hit() {
		g.WarmStrategy = WarmStrategies[rng.Intn(len(WarmStrategies))]
	}
	if hit() {
		g.AdmissionThreshold = rng.Intn(b.MaxAdmissionThreshold + 1)
	}
	if hit() {
		g.ProviderCostWeight = rng.Float64() * b.MaxCostWeight
	}
	return repair(g, rng)
}

// repair keeps the population inside the always-one-tier invariant so
// the GA never wastes generations on dead genomes.
func repair(g Genome, rng *rand.Rand) Genome {
	if !g.HotEnabled && !g.WarmEnabled {
		if rng.Intn(2) == 0 {
			g.HotEnabled = true
		} else {
			g.WarmEnabled = true
		}
	}
	return g
}
