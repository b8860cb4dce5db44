// Package engine is the tiered store manager. A lookup walks
// Hot -> Warm -> miss -> origin compute -> store-under-admission; the
// Warm tier on the shared store is the source of truth, the Hot tier is
// a best-effort per-worker accelerator guarded by a TinyLFU admission
// test so one-off keys cannot pollute it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/fingerprint"
	"github.com/agentcache/agentcache/internal/hot"
	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/metrics"
	"github.com/agentcache/agentcache/internal/optimizer"
	"github.com/agentcache/agentcache/internal/prefetch"
	"github.com/agentcache/agentcache/internal/quota"
	"github.com/agentcache/agentcache/internal/sketch"
	"github.com/agentcache/agentcache/internal/store"
	"github.com/agentcache/agentcache/internal/webhook"
)

var (
	// ErrOriginTimeout marks an origin compute that exceeded its bound.
	// Surfaced as miss-with-error; retrying is the caller's business.
	ErrOriginTimeout = errors.New("origin compute timed out")
	// ErrNoOrigin is returned by Query when no origin function is
	// configured and every tier missed.
	ErrNoOrigin = errors.New("no origin compute configured")
)

// OriginResult is what the origin compute collaborator returns.
type OriginResult struct {
	Payload []byte
	// Cost is the declared cost estimate of the computation.
	Cost float64
	// Kind tags the payload: "" / "response" for final responses,
	// "reasoning" for cached reasoning traces, "volatile" for
	// short-lived intermediates.
	Kind string
	// Confidence gates caching of reasoning traces.
	Confidence float64
}

// OriginFunc performs the opaque, costed origin computation. The engine
// bounds it with a timeout; implementations should honor ctx.
type OriginFunc func(ctx context.Context, req fingerprint.Request) (*OriginResult, error)

// Config holds the static engine knobs. The dynamic tier policy lives
// in an optimizer.Genome and can be swapped at runtime via ApplyPolicy.
type Config struct {
	HotCapacity   int
	WarmTTL       time.Duration
	VolatileTTL   time.Duration
	OriginTimeout time.Duration
	SketchWidth   int
	SketchDepth   int
	// SketchResetAt halves the sketch after this many increments.
	SketchResetAt uint64
	// ReasoningConfidenceMin is the minimum confidence at which a
	// reasoning trace is cached at all.
	ReasoningConfidenceMin float64
	// RecordTraces appends every access to the trace log for the
	// offline optimizer.
	RecordTraces bool
}

func (c Config) withDefaults() Config {
	if c.HotCapacity <= 0 {
		c.HotCapacity = 256
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = time.Hour
	}
	if c.VolatileTTL <= 0 {
		c.VolatileTTL = 5 * time.Minute
	}
	if c.OriginTimeout <= 0 {
		c.OriginTimeout = 30 * time.Second
	}
	if c.SketchWidth <= 0 {
		c.SketchWidth = 4096
	}
	if c.SketchDepth <= 0 {
		c.SketchDepth = 4
	}
	if c.SketchResetAt == 0 {
		c.SketchResetAt = 100_000
	}
	if c.ReasoningConfidenceMin <= 0 {
		c.ReasoningConfidenceMin = 0.6
	}
	return c
}

// Deps are the engine's collaborators. Warm is required; everything
// else degrades gracefully when nil.
type Deps struct {
	Warm     kv.Store
	Notifier *webhook.Notifier
	Quota    *quota.Tracker
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
	Clock    kv.Clock
	Origin   OriginFunc
	DB       *store.DB
}

// Stats is the counter snapshot exposed on the stats endpoint.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Engine orchestrates the tiers.
type Engine struct {
	cfg      Config
	warm     kv.Store
	sketch   *sketch.Sketch
	notifier *webhook.Notifier
	quota    *quota.Tracker
	metrics  *metrics.Metrics
	log      *logrus.Logger
	clock    kv.Clock
	origin   OriginFunc
	db       *store.DB

	mu     sync.RWMutex
	policy optimizer.Genome
	hot    *hot.Cache

	prefetcher *prefetch.Prefetcher
	lastMu     sync.Mutex
	lastSeen   map[string]string // transition chain -> previous fingerprint

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates an Engine with the default policy: both tiers enabled,
// LRU hot eviction, admission threshold 1.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if deps.Clock == nil {
		deps.Clock = kv.SystemClock()
	}
	e := &Engine{
		cfg:      cfg,
		warm:     deps.Warm,
		sketch:   sketch.New(cfg.SketchWidth, cfg.SketchDepth),
		notifier: deps.Notifier,
		quota:    deps.Quota,
		metrics:  deps.Metrics,
		log:      deps.Log,
		clock:    deps.Clock,
		origin:   deps.Origin,
		db:       deps.DB,
		policy: optimizer.Genome{
			HotEnabled: true, HotStrategy: "lru",
			WarmEnabled: true, WarmStrategy: "static",
			AdmissionThreshold: 1, ProviderCostWeight: 0.5,
		},
		hot:      hot.New(cfg.HotCapacity, hot.LRU),
		lastSeen: make(map[string]string),
	}
	return e
}

// SetPrefetcher wires the transition learner. Called once at startup.
func (e *Engine) SetPrefetcher(p *prefetch.Prefetcher) {
	e.prefetcher = p
}

// Policy returns the active tier policy.
func (e *Engine) Policy() optimizer.Genome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// ApplyPolicy swaps the live tier policy. Callers run the promotion
// gate first; this only rejects strategies it cannot instantiate. A
// changed hot strategy rebuilds the (best-effort) hot tier empty.
func (e *Engine) ApplyPolicy(g optimizer.Genome) error {
	pol, err := hot.ParsePolicy(g.HotStrategy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if g.HotStrategy != e.policy.HotStrategy {
		e.hot = hot.New(e.cfg.HotCapacity, pol)
	}
	e.policy = g
	return nil
}

// Stats returns the hit/miss/eviction counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      e.hits.Load(),
		Misses:    e.misses.Load(),
		Evictions: e.evictions.Load(),
	}
}

// envelope is the Warm-tier value: payload plus the metadata needed for
// sliding expiry and derived events.
type envelope struct {
	Payload    []byte  `json:"payload"`
	Kind       string  `json:"kind,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	TTLSeconds int64   `json:"ttl_seconds"`
	CreatedAt  int64   `json:"created_at"`
}

// Tier keys length-prefix the namespace so a ":" inside a namespace or
// fingerprint can never make one namespace's entry addressable from
// another ("a"/"b:c" vs "a:b"/"c").
func warmKey(namespace, fp string) string {
	return "cache:" + strconv.Itoa(len(namespace)) + ":" + namespace + ":" + fp
}
func reqKey(namespace, fp string) string {
	return "req:" + strconv.Itoa(len(namespace)) + ":" + namespace + ":" + fp
}
func hotKey(namespace, fp string) string {
	return strconv.Itoa(len(namespace)) + ":" + namespace + ":" + fp
}

// QueryOptions carry the per-request flags.
type QueryOptions struct {
	Freshness Freshness
	// TTL overrides the configured Warm TTL for this entry.
	TTL time.Duration
	// SessionID links the access to a conversation, for transition
	// learning. Optional.
	SessionID string
}

// Query is the full request path: fingerprint, quota, tier lookup,
// origin compute on miss, store under admission.
func (e *Engine) Query(ctx context.Context, req fingerprint.Request, opts QueryOptions) Result {
	start := time.Now()

	fp, err := fingerprint.New(req)
	if err != nil {
		// Malformed input never reaches a tier.
		return Result{Outcome: OutcomeError, Err: err, Latency: time.Since(start)}
	}

	if e.quota != nil {
		if err := e.quota.Consume(ctx, req.Namespace); err != nil {
			return Result{Outcome: OutcomeError, Fingerprint: fp, Err: err, Latency: time.Since(start)}
		}
	}

	// Remember the request body so a background prefetch can replay the
	// origin compute from just a fingerprint. Best effort.
	if body, err := json.Marshal(req); err == nil {
		if err := e.warm.Set(ctx, reqKey(req.Namespace, fp), body, e.cfg.VolatileTTL); err != nil {
			e.log.WithError(err).Debug("engine: record request body failed")
		}
	}

	e.touch(req.Namespace, fp)

	if opts.Freshness != FreshnessAbsolute {
		if res, ok := e.lookup(ctx, req.Namespace, fp); ok {
			res.Latency = time.Since(start)
			e.observeTransition(req.Namespace, opts.SessionID, fp)
			e.recordTrace(req.Namespace, fp, true, 0, res.Latency)
			return res
		}
	}

	e.misses.Add(1)
	if e.metrics != nil {
		e.metrics.Misses.WithLabelValues("absent").Inc()
	}
	if e.notifier != nil {
		e.notifier.Notify(req.Namespace, webhook.MissData{Namespace: req.Namespace, Fingerprint: fp})
	}
	e.observeTransition(req.Namespace, opts.SessionID, fp)

	if e.origin == nil {
		res := Result{Outcome: OutcomeMiss, Fingerprint: fp, Err: ErrNoOrigin, Latency: time.Since(start)}
		e.recordTrace(req.Namespace, fp, false, 0, res.Latency)
		return res
	}

	origin, err := e.computeOrigin(ctx, req)
	if err != nil {
		return Result{Outcome: OutcomeError, Fingerprint: fp, Err: err, Latency: time.Since(start)}
	}

	e.storeResult(ctx, req.Namespace, fp, origin, opts.TTL)
	res := Result{Outcome: OutcomeMiss, Fingerprint: fp, Payload: origin.Payload, Latency: time.Since(start)}
	e.recordTrace(req.Namespace, fp, false, origin.Cost, res.Latency)
	return res
}

// Get is the direct protocol lookup: tiers only, no origin compute.
func (e *Engine) Get(ctx context.Context, namespace, fp string) Result {
	start := time.Now()
	e.touch(namespace, fp)

	if res, ok := e.lookup(ctx, namespace, fp); ok {
		res.Latency = time.Since(start)
		e.observeTransition(namespace, "", fp)
		e.recordTrace(namespace, fp, true, 0, res.Latency)
		return res
	}

	e.misses.Add(1)
	if e.metrics != nil {
		e.metrics.Misses.WithLabelValues("absent").Inc()
	}
	if e.notifier != nil {
		e.notifier.Notify(namespace, webhook.MissData{Namespace: namespace, Fingerprint: fp})
	}
	e.observeTransition(namespace, "", fp)
	res := Result{Outcome: OutcomeMiss, Fingerprint: fp, Latency: time.Since(start)}
	e.recordTrace(namespace, fp, false, 0, res.Latency)
	return res
}

// Put is the direct protocol SET: store a payload under admission.
func (e *Engine) Put(ctx context.Context, namespace, fp string, payload []byte, ttl time.Duration) error {
	e.touch(namespace, fp)
	return e.place(ctx, namespace, fp, envelope{Payload: payload}, ttl)
}

// Check reports whether any tier holds the fingerprint, without
// counting as an access.
func (e *Engine) Check(ctx context.Context, namespace, fp string) bool {
	e.mu.RLock()
	pol, h := e.policy, e.hot
	e.mu.RUnlock()

	if pol.HotEnabled && h.Contains(hotKey(namespace, fp), e.clock.Now()) {
		return true
	}
	if pol.WarmEnabled {
		_, found, err := e.warm.Get(ctx, warmKey(namespace, fp))
		if err == nil && found {
			return true
		}
	}
	return false
}

// HotResident reports whether the fingerprint currently occupies a Hot
// slot. Best-effort, for stats and debugging; Warm is the source of
// truth for presence.
func (e *Engine) HotResident(namespace, fp string) bool {
	e.mu.RLock()
	h := e.hot
	e.mu.RUnlock()
	return h.Contains(hotKey(namespace, fp), e.clock.Now())
}

// Delete removes a fingerprint from Hot and Warm. Used by pruning.
func (e *Engine) Delete(ctx context.Context, namespace, fp string) error {
	e.mu.RLock()
	h := e.hot
	e.mu.RUnlock()
	h.Delete(hotKey(namespace, fp))
	if err := e.warm.Delete(ctx, warmKey(namespace, fp)); err != nil {
		return err
	}
	return e.warm.Delete(ctx, reqKey(namespace, fp))
}

// Warm replays the origin compute for a predicted fingerprint and
// writes the result to the Warm tier only. Used as the prefetcher's
// warmer; silent on any failure.
func (e *Engine) Warm(ctx context.Context, namespace, fp string) {
	if e.origin == nil {
		return
	}
	if _, found, err := e.warm.Get(ctx, warmKey(namespace, fp)); err != nil || found {
		return
	}
	body, found, err := e.warm.Get(ctx, reqKey(namespace, fp))
	if err != nil || !found {
		return
	}
	var req fingerprint.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}

	origin, err := e.computeOrigin(ctx, req)
	if err != nil {
		e.log.WithError(err).WithField("fingerprint", fp).Debug("engine: prefetch origin failed")
		return
	}
	if e.metrics != nil {
		e.metrics.Prefetches.Inc()
	}
	// Warm only: prefetched keys earn Hot residency through real hits.
	e.placeWarm(ctx, namespace, fp, e.envelopeFor(origin, 0))
}

// lookup walks Hot then Warm. Returns ok=false on a clean miss or a
// store outage (which is logged and treated as a miss).
func (e *Engine) lookup(ctx context.Context, namespace, fp string) (Result, bool) {
	e.mu.RLock()
	pol, h := e.policy, e.hot
	e.mu.RUnlock()

	key := hotKey(namespace, fp)

	if pol.HotEnabled {
		if payload, ok := h.Get(key, e.clock.Now()); ok {
			e.hits.Add(1)
			if e.metrics != nil {
				e.metrics.Hits.WithLabelValues("hot").Inc()
			}
			if e.notifier != nil {
				e.notifier.Notify(namespace, webhook.HitData{Namespace: namespace, Fingerprint: fp, Tier: "hot"})
			}
			return Result{Outcome: OutcomeHit, Fingerprint: fp, Payload: payload, Tier: "hot"}, true
		}
	}

	if !pol.WarmEnabled {
		return Result{}, false
	}

	raw, found, err := e.warm.Get(ctx, warmKey(namespace, fp))
	if err != nil {
		// A cache outage costs latency, never correctness.
		e.log.WithError(err).Warn("engine: warm tier unavailable, treating as miss")
		return Result{}, false
	}
	if !found {
		return Result{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.log.WithError(err).Warn("engine: corrupt warm entry, treating as miss")
		return Result{}, false
	}

	if pol.WarmStrategy == "sliding" && env.TTLSeconds > 0 {
		if err := e.warm.Expire(ctx, warmKey(namespace, fp), time.Duration(env.TTLSeconds)*time.Second); err != nil {
			e.log.WithError(err).Debug("engine: sliding expiry refresh failed")
		}
	}

	// A warm hit is the admission signal for Hot residency.
	e.admitHot(namespace, fp, env)

	e.hits.Add(1)
	if e.metrics != nil {
		e.metrics.Hits.WithLabelValues("warm").Inc()
	}
	if e.notifier != nil {
		e.notifier.Notify(namespace, webhook.HitData{Namespace: namespace, Fingerprint: fp, Tier: "warm"})
		if env.Kind == "reasoning" {
			e.notifier.Notify(namespace, webhook.ReuseData{
				Namespace: namespace, Fingerprint: fp, Confidence: env.Confidence,
			})
		}
	}
	return Result{Outcome: OutcomeHit, Fingerprint: fp, Payload: env.Payload, Tier: "warm"}, true
}

func (e *Engine) computeOrigin(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OriginTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.origin(ctx, req)
	if e.metrics != nil {
		e.metrics.OriginLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrOriginTimeout, err)
		}
		return nil, fmt.Errorf("origin compute: %w", err)
	}
	return res, nil
}

func (e *Engine) envelopeFor(origin *OriginResult, ttl time.Duration) envelope {
	if ttl <= 0 {
		if origin.Kind == "volatile" {
			ttl = e.cfg.VolatileTTL
		} else {
			ttl = e.cfg.WarmTTL
		}
	}
	return envelope{
		Payload:    origin.Payload,
		Kind:       origin.Kind,
		Confidence: origin.Confidence,
		Cost:       origin.Cost,
		TTLSeconds: int64(ttl / time.Second),
		CreatedAt:  e.clock.Now().UnixMilli(),
	}
}

// storeResult offers a fresh origin result to the tiers.
func (e *Engine) storeResult(ctx context.Context, namespace, fp string, origin *OriginResult, ttl time.Duration) {
	// Low-confidence reasoning traces are not worth keeping.
	if origin.Kind == "reasoning" && origin.Confidence < e.cfg.ReasoningConfidenceMin {
		return
	}
	if err := e.place(ctx, namespace, fp, e.envelopeFor(origin, ttl), ttl); err != nil {
		e.log.WithError(err).Warn("engine: store after origin compute failed")
	}
}

// place writes an envelope through Warm and offers it to Hot under the
// admission test.
func (e *Engine) place(ctx context.Context, namespace, fp string, env envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = e.cfg.WarmTTL
	}
	if env.TTLSeconds == 0 {
		env.TTLSeconds = int64(ttl / time.Second)
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = e.clock.Now().UnixMilli()
	}

	e.mu.RLock()
	pol := e.policy
	e.mu.RUnlock()

	var warmErr error
	if pol.WarmEnabled {
		warmErr = e.placeWarm(ctx, namespace, fp, env)
	}
	if pol.HotEnabled {
		e.admitHot(namespace, fp, env)
	}
	return warmErr
}

func (e *Engine) placeWarm(ctx context.Context, namespace, fp string, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode warm entry: %w", err)
	}
	ttl := time.Duration(env.TTLSeconds) * time.Second
	if err := e.warm.Set(ctx, warmKey(namespace, fp), raw, ttl); err != nil {
		// Outage: skip caching for this call, the request still succeeds.
		e.log.WithError(err).Warn("engine: warm write skipped")
		return nil
	}
	return nil
}

// admitHot runs the TinyLFU test: at capacity, the candidate must beat
// the coldest resident strictly on estimated frequency or it stays out
// of Hot.
func (e *Engine) admitHot(namespace, fp string, env envelope) {
	e.mu.RLock()
	pol, h := e.policy, e.hot
	e.mu.RUnlock()
	if !pol.HotEnabled {
		return
	}

	key := hotKey(namespace, fp)
	if h.Contains(key, e.clock.Now()) {
		return
	}

	candidate := e.sketch.Estimate(key)
	if candidate < uint64(pol.AdmissionThreshold) {
		return
	}

	var expires time.Time
	if env.TTLSeconds > 0 {
		expires = e.clock.Now().Add(time.Duration(env.TTLSeconds) * time.Second)
	}

	if !h.Full() {
		h.Set(key, hot.Entry{Payload: env.Payload, ExpiresAt: expires})
		return
	}

	// The admission victim is the minimum-frequency resident, not the
	// eviction policy's next victim: under LRU the back of the queue can
	// be the hottest key, and evicting it for a lukewarm candidate would
	// invert the frequency guarantee.
	var victim string
	var victimEst uint64
	for _, k := range h.Keys() {
		if est := e.sketch.Estimate(k); victim == "" || est < victimEst {
			victim, victimEst = k, est
		}
	}
	if victim == "" {
		return
	}
	if candidate <= victimEst {
		// Write-through to Warm only: one-off keys never displace a
		// proven resident.
		return
	}

	h.Delete(victim)
	e.evictions.Add(1)
	if e.metrics != nil {
		e.metrics.Evictions.WithLabelValues("admission").Inc()
	}
	if e.notifier != nil {
		ns, vfp := splitHotKey(victim)
		e.notifier.Notify(ns, webhook.EvictionData{Namespace: ns, Fingerprint: vfp, Tier: "hot"})
	}
	h.Set(key, hot.Entry{Payload: env.Payload, ExpiresAt: expires})
}

// touch feeds the frequency sketch and ages it periodically.
func (e *Engine) touch(namespace, fp string) {
	e.sketch.Add(hotKey(namespace, fp))
	if e.sketch.Adds() >= e.cfg.SketchResetAt {
		e.sketch.Halve()
	}
}

// observeTransition teaches the prefetcher and fires its trigger. The
// previous-fingerprint chain is per session when the caller supplies
// one, so interleaved sessions in a namespace do not cross-pollinate
// the transition model.
func (e *Engine) observeTransition(namespace, session, fp string) {
	if e.prefetcher == nil {
		return
	}
	chain := namespace
	if session != "" {
		chain = namespace + "|" + session
	}
	e.lastMu.Lock()
	prev := e.lastSeen[chain]
	e.lastSeen[chain] = fp
	e.lastMu.Unlock()

	if prev != "" && prev != fp {
		e.prefetcher.Observe(namespace, prev, fp)
	}
	e.prefetcher.Trigger(namespace, fp)
}

func (e *Engine) recordTrace(namespace, fp string, hit bool, cost float64, latency time.Duration) {
	if e.db == nil || !e.cfg.RecordTraces {
		return
	}
	entry := &store.TraceEntry{
		Namespace:   namespace,
		Fingerprint: fp,
		Hit:         hit,
		Cost:        cost,
		LatencyMS:   float64(latency.Microseconds()) / 1000.0,
	}
	go func() {
		if err := e.db.AppendTrace(entry); err != nil {
			e.log.WithError(err).Debug("engine: trace append failed")
		}
	}()
}

func splitHotKey(key string) (namespace, fp string) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", key
	}
	n, err := strconv.Atoi(key[:i])
	if err != nil || i+1+n+1 > len(key) {
		return "", key
	}
	return key[i+1 : i+1+n], key[i+1+n+1:]
}
