// Package prefetch learns fingerprint-to-fingerprint transitions and
// warms likely-next entries before they are requested. The model is a
// sparse per-namespace Markov chain; prediction is ranked by edge
// weight with stable first-observed tie-breaking.
package prefetch

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Warmer populates the Warm tier for a predicted fingerprint. Called on
// a detached goroutine; implementations must be safe to run
// concurrently and are free to give up silently.
type Warmer func(ctx context.Context, namespace, fingerprint string)

// Prediction is one ranked next-fingerprint guess. Next holds nested
// predictions when a lookup asked for depth > 1.
type Prediction struct {
	Fingerprint string       `json:"fingerprint"`
	Probability float64      `json:"probability"`
	Next        []Prediction `json:"next,omitempty"`
}

type edge struct {
	weight int
	order  int // insertion sequence, for stable ties
}

type node struct {
	total int
	edges map[string]*edge
	seq   int
}

type model struct {
	nodes map[string]*node
}

// Prefetcher holds one transition model per namespace.
type Prefetcher struct {
	mu         sync.Mutex
	namespaces map[string]*model

	minSupport int
	confidence float64
	depth      int
	warmer     Warmer
	log        *logrus.Logger
}

// Config bounds prediction noise and triggering.
type Config struct {
	// MinSupport is the minimum observation count at a node before it
	// yields predictions. Thin samples predict nothing.
	MinSupport int
	// Confidence is the probability cutoff for triggering a warm.
	Confidence float64
	// Depth is the recursive expansion depth used when triggering.
	Depth int
}

// New creates a Prefetcher. A nil warmer disables triggering but keeps
// the model learning.
func New(cfg Config, warmer Warmer, log *logrus.Logger) *Prefetcher {
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = 3
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.5
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	return &Prefetcher{
		namespaces: make(map[string]*model),
		minSupport: cfg.MinSupport,
		confidence: cfg.Confidence,
		depth:      cfg.Depth,
		warmer:     warmer,
		log:        log,
	}
}

// Observe records one sequential access prev -> next within a namespace.
func (p *Prefetcher) Observe(namespace, prev, next string) {
	if prev == "" || next == "" || prev == next {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.namespaces[namespace]
	if m == nil {
		m = &model{nodes: make(map[string]*node)}
		p.namespaces[namespace] = m
	}
	n := m.nodes[prev]
	if n == nil {
		n = &node{edges: make(map[string]*edge)}
		m.nodes[prev] = n
	}
	e := n.edges[next]
	if e == nil {
		e = &edge{order: n.seq}
		n.seq++
		n.edges[next] = e
	}
	e.weight++
	n.total++
}

// Predict ranks the outgoing transitions of current, recursively
// expanding each prediction up to depth levels. Nodes observed fewer
// than MinSupport times return nothing.
func (p *Prefetcher) Predict(namespace, current string, depth int) []Prediction {
	if depth <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.namespaces[namespace]
	if m == nil {
		return nil
	}
	seen := map[string]bool{current: true}
	return p.predict(m, current, depth, seen)
}

// predict assumes p.mu is held. seen guards against transition cycles.
func (p *Prefetcher) predict(m *model, current string, depth int, seen map[string]bool) []Prediction {
	n := m.nodes[current]
	if n == nil || n.total < p.minSupport {
		return nil
	}

	type ranked struct {
		fp   string
		e    *edge
		prob float64
	}
	out := make([]ranked, 0, len(n.edges))
	for fp, e := range n.edges {
		out = append(out, ranked{fp: fp, e: e, prob: float64(e.weight) / float64(n.total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].e.weight != out[j].e.weight {
			return out[i].e.weight > out[j].e.weight
		}
		return out[i].e.order < out[j].e.order
	})

	preds := make([]Prediction, 0, len(out))
	for _, r := range out {
		pred := Prediction{Fingerprint: r.fp, Probability: r.prob}
		if depth > 1 && !seen[r.fp] {
			seen[r.fp] = true
			pred.Next = p.predict(m, r.fp, depth-1, seen)
		}
		preds = append(preds, pred)
	}
	return preds
}

// Trigger observes nothing but dispatches best-effort warms for every
// prediction from current whose probability clears the confidence
// cutoff. Returns the number of warms dispatched; it never blocks on
// the warmer itself.
func (p *Prefetcher) Trigger(namespace, current string) int {
	if p.warmer == nil {
		return 0
	}

	dispatched := 0
	var walk func(preds []Prediction)
	walk = func(preds []Prediction) {
		for _, pred := range preds {
			if pred.Probability < p.confidence {
				continue
			}
			fp := pred.Fingerprint
			dispatched++
			go p.warmer(context.Background(), namespace, fp)
			walk(pred.Next)
		}
	}
	walk(p.Predict(namespace, current, p.depth))

	if dispatched > 0 && p.log != nil {
		p.log.WithFields(logrus.Fields{
			"namespace": namespace,
			"count":     dispatched,
		}).Debug("prefetch: dispatched warms")
	}
	return dispatched
}
