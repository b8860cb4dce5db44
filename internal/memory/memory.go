// Package memory is the context memory controller. Recent conversation
// turns live as a bounded list in the Warm tier; durable fragments live
// in the Cold tier with embeddings and a lazily computed vitality that
// halves every configured half-life. Retrieval is hybrid: the most
// recent turns plus the closest Cold fragments above a similarity
// threshold, deduplicated, under a total size budget.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/store"
)

// Pruner removes cached entries tied to a fragment id from the fast
// tiers. The engine satisfies this.
type Pruner interface {
	Delete(ctx context.Context, namespace, fp string) error
}

// Config holds the controller knobs.
type Config struct {
	// RecentTurns is how many trailing turns retrieval returns.
	RecentTurns int
	// MaxTurns caps the per-session Warm list; older turns are trimmed
	// FIFO on append.
	MaxTurns int
	// TurnTTL expires an idle session's Warm list.
	TurnTTL time.Duration
	// HalfLife is the vitality half-life. Vitality decays to floor 0,
	// never below.
	HalfLife time.Duration
	// RetentionMin is the effective-vitality floor below which a Cold
	// fragment is invisible to retrieval.
	RetentionMin float64
	// SimilarityMin is the cosine cutoff for Cold retrieval.
	SimilarityMin float64
	// TopK caps Cold fragments per retrieval.
	TopK int
	// SizeBudget bounds the total content bytes of a retrieved context.
	SizeBudget int
}

func (c Config) withDefaults() Config {
	if c.RecentTurns <= 0 {
		c.RecentTurns = 10
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 64
	}
	if c.TurnTTL <= 0 {
		c.TurnTTL = 24 * time.Hour
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 7 * 24 * time.Hour
	}
	if c.RetentionMin <= 0 {
		c.RetentionMin = 0.05
	}
	if c.SimilarityMin <= 0 {
		c.SimilarityMin = 0.92
	}
	if c.TopK <= 0 {
		c.TopK = 4
	}
	if c.SizeBudget <= 0 {
		c.SizeBudget = 16 * 1024
	}
	return c
}

// Turn is one conversation exchange stored in the session list.
type Turn struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at"` // unix ms
}

// Item is one element of a retrieved context bundle.
type Item struct {
	ID      string  `json:"id"`
	Role    string  `json:"role"`
	Content string  `json:"content"`
	// Source is "recent" for Warm turns, "cold" for recalled fragments.
	Source     string  `json:"source"`
	Similarity float64 `json:"similarity,omitempty"`
	Vitality   float64 `json:"vitality,omitempty"`
}

// Controller coordinates the Warm session lists and the Cold store.
type Controller struct {
	cfg      Config
	warm     kv.Store
	db       *store.DB
	embedder Embedder
	pruner   Pruner
	clock    kv.Clock
	log      *logrus.Logger
}

// New creates a Controller. warm and db are required; embedder and
// pruner are optional and degrade retrieval/pruning gracefully.
func New(cfg Config, warm kv.Store, db *store.DB, embedder Embedder, pruner Pruner, clock kv.Clock, log *logrus.Logger) *Controller {
	if clock == nil {
		clock = kv.SystemClock()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		warm:     warm,
		db:       db,
		embedder: embedder,
		pruner:   pruner,
		clock:    clock,
		log:      log,
	}
}

// sessionKey length-prefixes the namespace so a ":" inside either part
// cannot alias one session's list to another's.
func sessionKey(namespace, sessionID string) string {
	return "session:" + strconv.Itoa(len(namespace)) + ":" + namespace + ":" + sessionID
}

// AppendTurn records a turn at the tail of the session's Warm list,
// trims the list to the FIFO cap, and persists the turn as a Cold
// fragment with an embedding when an embedder is configured. Returns
// the turn with its assigned id.
func (c *Controller) AppendTurn(ctx context.Context, namespace, sessionID string, turn Turn) (Turn, error) {
	if turn.Role == "" || turn.Content == "" {
		return Turn{}, fmt.Errorf("turn requires role and content")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.At == 0 {
		turn.At = c.clock.Now().UnixMilli()
	}

	raw, err := json.Marshal(turn)
	if err != nil {
		return Turn{}, fmt.Errorf("encode turn: %w", err)
	}

	key := sessionKey(namespace, sessionID)
	if _, err := c.warm.Append(ctx, key, raw); err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	// Keep only the newest MaxTurns entries.
	if err := c.warm.Trim(ctx, key, int64(-c.cfg.MaxTurns), -1); err != nil {
		c.log.WithError(err).Warn("memory: session trim failed")
	}
	if err := c.warm.Expire(ctx, key, c.cfg.TurnTTL); err != nil {
		c.log.WithError(err).Debug("memory: session expire failed")
	}

	frag := &store.Fragment{
		ID:        turn.ID,
		Namespace: namespace,
		SessionID: sessionID,
		Role:      turn.Role,
		Content:   turn.Content,
		CreatedAt: turn.At,
	}
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, turn.Content)
		if err != nil {
			c.log.WithError(err).Warn("memory: embed turn failed, storing without vector")
		} else {
			frag.Embedding = vec
		}
	}
	if err := c.db.CreateFragment(frag); err != nil {
		return Turn{}, fmt.Errorf("persist fragment: %w", err)
	}
	return turn, nil
}

// Recent returns the newest turns of a session, oldest first. A Warm
// outage returns an empty slice, never an error.
func (c *Controller) Recent(ctx context.Context, namespace, sessionID string) []Turn {
	raws, err := c.warm.List(ctx, sessionKey(namespace, sessionID), int64(-c.cfg.RecentTurns), -1)
	if err != nil {
		c.log.WithError(err).Warn("memory: session list unavailable")
		return nil
	}
	turns := make([]Turn, 0, len(raws))
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal(raw, &t); err != nil {
			c.log.WithError(err).Warn("memory: corrupt turn skipped")
			continue
		}
		turns = append(turns, t)
	}
	return turns
}

// Vitality returns the fragment's effective vitality at now: the stored
// level halved once per elapsed half-life since the last reinforcement.
// Redacted fragments are always 0.
func (c *Controller) Vitality(f *store.Fragment, now time.Time) float64 {
	if f.Redacted || f.Vitality <= 0 {
		return 0
	}
	elapsed := now.Sub(time.UnixMilli(f.LastReinforced))
	if elapsed <= 0 {
		return f.Vitality
	}
	return f.Vitality * math.Pow(0.5, elapsed.Seconds()/c.cfg.HalfLife.Seconds())
}

// Freshness mirrors the cache bypass flag: "absolute" skips Warm and
// Cold entirely.
const FreshnessAbsolute = "absolute"

// Context assembles the hybrid bundle for a session: the trailing
// Recent turns plus up to TopK Cold fragments whose similarity to the
// query clears the cutoff and whose effective vitality clears the
// retention floor. Cold results are deduplicated against the recent
// turns, ranked by similarity with recency as tie-break, and the whole
// bundle is clipped to the size budget. Retrieved fragments are
// reinforced.
func (c *Controller) Context(ctx context.Context, namespace, sessionID, query, freshness string) ([]Item, error) {
	if freshness == FreshnessAbsolute {
		return nil, nil
	}

	now := c.clock.Now()
	budget := c.cfg.SizeBudget

	var items []Item
	seen := make(map[string]bool)
	for _, t := range c.Recent(ctx, namespace, sessionID) {
		if budget -= len(t.Content); budget < 0 {
			break
		}
		items = append(items, Item{ID: t.ID, Role: t.Role, Content: t.Content, Source: "recent"})
		seen[t.ID] = true
	}

	if query == "" || c.embedder == nil {
		return items, nil
	}

	queryVec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	fragments, err := c.db.EmbeddedFragments(namespace)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}

	type scored struct {
		frag       store.Fragment
		similarity float64
		vitality   float64
	}
	var candidates []scored
	for _, f := range fragments {
		if seen[f.ID] {
			continue
		}
		vitality := c.Vitality(&f, now)
		if vitality < c.cfg.RetentionMin {
			continue
		}
		similarity := CosineSimilarity(queryVec, f.Embedding)
		if similarity < c.cfg.SimilarityMin {
			continue
		}
		candidates = append(candidates, scored{frag: f, similarity: similarity, vitality: vitality})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		// Equal similarity: prefer the more recently reinforced.
		return candidates[i].frag.LastReinforced > candidates[j].frag.LastReinforced
	})
	if len(candidates) > c.cfg.TopK {
		candidates = candidates[:c.cfg.TopK]
	}

	for _, s := range candidates {
		if budget -= len(s.frag.Content); budget < 0 {
			break
		}
		items = append(items, Item{
			ID: s.frag.ID, Role: s.frag.Role, Content: s.frag.Content,
			Source: "cold", Similarity: s.similarity, Vitality: s.vitality,
		})
		// Retrieval is reinforcement.
		if err := c.db.Reinforce(s.frag.ID, now); err != nil {
			c.log.WithError(err).Warn("memory: reinforce failed")
		}
	}
	return items, nil
}

// Redact forces a fragment's vitality to zero immediately and
// permanently. The row stays for audit; retrieval never sees it again.
func (c *Controller) Redact(id string) error {
	return c.db.Redact(id)
}

// Prune forgets a fragment across every tier: tombstone plus row delete
// in Cold, the turn removed from its session's Warm list, and cached
// entries under the same id evicted from Hot and Warm. Idempotent.
func (c *Controller) Prune(ctx context.Context, namespace, id string) error {
	// Resolve the owning session before the row disappears; on a repeat
	// prune the fragment is gone and the list was already rewritten.
	frag, err := c.db.GetFragment(id)
	if err != nil {
		return err
	}
	if err := c.db.DeleteFragment(id); err != nil {
		return err
	}
	if frag != nil {
		c.dropFromSession(ctx, frag.Namespace, frag.SessionID, id)
	}
	if c.pruner != nil {
		if err := c.pruner.Delete(ctx, namespace, id); err != nil {
			c.log.WithError(err).Warn("memory: tier prune incomplete")
		}
	}
	return nil
}

// dropFromSession rewrites a session's Warm list without the pruned
// turn, so "recent" retrieval can never resurrect a forgotten fragment.
func (c *Controller) dropFromSession(ctx context.Context, namespace, sessionID, id string) {
	key := sessionKey(namespace, sessionID)
	raws, err := c.warm.List(ctx, key, 0, -1)
	if err != nil {
		c.log.WithError(err).Warn("memory: session list unavailable, prune left stale turn")
		return
	}
	kept := make([][]byte, 0, len(raws))
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal(raw, &t); err == nil && t.ID == id {
			continue
		}
		kept = append(kept, raw)
	}
	if len(kept) == len(raws) {
		return
	}
	if err := c.warm.Delete(ctx, key); err != nil {
		c.log.WithError(err).Warn("memory: session rewrite failed")
		return
	}
	for _, raw := range kept {
		if _, err := c.warm.Append(ctx, key, raw); err != nil {
			c.log.WithError(err).Warn("memory: session rewrite failed")
			return
		}
	}
	if len(kept) > 0 {
		if err := c.warm.Expire(ctx, key, c.cfg.TurnTTL); err != nil {
			c.log.WithError(err).Debug("memory: session expire failed")
		}
	}
}

// Sweep tombstones every fragment in a namespace whose effective
// vitality has decayed below the retention floor. Returns how many were
// removed. Intended for a periodic maintenance call, not the request
// path.
func (c *Controller) Sweep(ctx context.Context, namespace string) (int, error) {
	fragments, err := c.db.EmbeddedFragments(namespace)
	if err != nil {
		return 0, fmt.Errorf("load fragments: %w", err)
	}
	now := c.clock.Now()
	removed := 0
	for _, f := range fragments {
		if c.Vitality(&f, now) >= c.cfg.RetentionMin {
			continue
		}
		if err := c.Prune(ctx, namespace, f.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
