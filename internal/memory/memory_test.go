package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/store"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

// stubEmbedder returns canned vectors so similarity is fully controlled.
type stubEmbedder struct {
	vecs map[string][]float64
}

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 1}, nil
}
func (s stubEmbedder) Model() string   { return "stub" }
func (s stubEmbedder) Dimensions() int { return 3 }

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testController(t *testing.T, cfg Config, emb Embedder) (*Controller, *fakeClock, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(cfg, kv.NewMemory(clk), db, emb, nil, clk, quietLog())
	return c, clk, db
}

func TestAppendAndRecentOrder(t *testing.T) {
	c, _, _ := testController(t, Config{}, nil)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		turn, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: content})
		require.NoError(t, err)
		assert.NotEmpty(t, turn.ID)
	}

	turns := c.Recent(ctx, "acme", "s1")
	require.Len(t, turns, 3)
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, "third", turns[2].Content)
}

func TestTurnCapTrimsOldestFirst(t *testing.T) {
	c, _, _ := testController(t, Config{MaxTurns: 3, RecentTurns: 10}, nil)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: content})
		require.NoError(t, err)
	}

	turns := c.Recent(ctx, "acme", "s1")
	require.Len(t, turns, 3)
	assert.Equal(t, "c", turns[0].Content)
	assert.Equal(t, "e", turns[2].Content)
}

func TestRecentIsSessionScoped(t *testing.T) {
	c, _, _ := testController(t, Config{}, nil)
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "hello"})
	require.NoError(t, err)

	assert.Empty(t, c.Recent(ctx, "acme", "s2"))
	assert.Empty(t, c.Recent(ctx, "other", "s1"))
}

func TestAppendRejectsEmptyTurn(t *testing.T) {
	c, _, _ := testController(t, Config{}, nil)

	_, err := c.AppendTurn(context.Background(), "acme", "s1", Turn{Role: "user"})
	assert.Error(t, err)
}

func TestVitalityHalfLife(t *testing.T) {
	c, clk, _ := testController(t, Config{HalfLife: 7 * 24 * time.Hour}, nil)

	f := &store.Fragment{Vitality: 1.0, LastReinforced: clk.Now().UnixMilli()}
	assert.InDelta(t, 1.0, c.Vitality(f, clk.Now()), 1e-9)

	clk.Advance(7 * 24 * time.Hour)
	assert.InDelta(t, 0.5, c.Vitality(f, clk.Now()), 1e-9)

	clk.Advance(7 * 24 * time.Hour)
	assert.InDelta(t, 0.25, c.Vitality(f, clk.Now()), 1e-9)
}

func TestVitalityRedactedIsZero(t *testing.T) {
	c, clk, _ := testController(t, Config{}, nil)
	f := &store.Fragment{Vitality: 1.0, Redacted: true, LastReinforced: clk.Now().UnixMilli()}
	assert.Zero(t, c.Vitality(f, clk.Now()))
}

func embedderFixture() stubEmbedder {
	return stubEmbedder{vecs: map[string][]float64{
		"the capital of france is paris": {1, 0, 0},
		"where is the capital":           {0.99, 0.141, 0},
		"favorite color is green":        {0, 1, 0},
	}}
}

func TestContextRecallsSimilarFragments(t *testing.T) {
	c, _, _ := testController(t, Config{}, embedderFixture())
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)
	_, err = c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "favorite color is green"})
	require.NoError(t, err)

	// New session: nothing recent, recall comes from Cold.
	items, err := c.Context(ctx, "acme", "s2", "where is the capital", "")
	require.NoError(t, err)
	require.Len(t, items, 1, "only the fragment above the similarity cutoff")
	assert.Equal(t, "the capital of france is paris", items[0].Content)
	assert.Equal(t, "cold", items[0].Source)
	assert.GreaterOrEqual(t, items[0].Similarity, 0.92)
}

func TestContextDeduplicatesRecentAndCold(t *testing.T) {
	c, _, _ := testController(t, Config{}, embedderFixture())
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	// Same session: the turn is already in the recent window, so Cold
	// must not return it a second time.
	items, err := c.Context(ctx, "acme", "s1", "where is the capital", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "recent", items[0].Source)
}

func TestContextFreshnessAbsoluteBypasses(t *testing.T) {
	c, _, _ := testController(t, Config{}, embedderFixture())
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	items, err := c.Context(ctx, "acme", "s1", "where is the capital", FreshnessAbsolute)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestContextSizeBudget(t *testing.T) {
	c, _, _ := testController(t, Config{SizeBudget: 8}, nil)
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "12345"})
	require.NoError(t, err)
	_, err = c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "67890"})
	require.NoError(t, err)

	items, err := c.Context(ctx, "acme", "s1", "", "")
	require.NoError(t, err)
	assert.Len(t, items, 1, "second turn would exceed the budget")
}

func TestDecayedFragmentNotRecalled(t *testing.T) {
	c, clk, _ := testController(t, Config{HalfLife: 7 * 24 * time.Hour}, embedderFixture())
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	// Ten half-lives puts effective vitality near zero.
	clk.Advance(70 * 24 * time.Hour)

	items, err := c.Context(ctx, "acme", "s2", "where is the capital", "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecallReinforcesVitality(t *testing.T) {
	c, clk, db := testController(t, Config{HalfLife: 7 * 24 * time.Hour}, embedderFixture())
	ctx := context.Background()

	turn, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	// 20 days decays to ~0.14, still above the retention floor. The
	// recall resets vitality to 1.0; another 20 days later the fragment
	// is still recallable, which it would not be after 40 unreinforced
	// days.
	clk.Advance(20 * 24 * time.Hour)
	items, err := c.Context(ctx, "acme", "s2", "where is the capital", "")
	require.NoError(t, err)
	require.Len(t, items, 1)

	f, err := db.GetFragment(turn.ID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 1.0, f.Vitality)
	assert.Equal(t, clk.Now().UnixMilli(), f.LastReinforced)

	clk.Advance(20 * 24 * time.Hour)
	items, err = c.Context(ctx, "acme", "s2", "where is the capital", "")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedactionExcludesImmediately(t *testing.T) {
	c, _, _ := testController(t, Config{}, embedderFixture())
	ctx := context.Background()

	turn, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	require.NoError(t, c.Redact(turn.ID))

	// No decay interval: redaction is instant, not gradual.
	items, err := c.Context(ctx, "acme", "s2", "where is the capital", "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

type recordingPruner struct {
	calls []string
}

func (p *recordingPruner) Delete(_ context.Context, namespace, fp string) error {
	p.calls = append(p.calls, namespace+"/"+fp)
	return nil
}

func TestPruneIsIdempotentAndCrossTier(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	pruner := &recordingPruner{}
	c := New(Config{}, kv.NewMemory(clk), db, nil, pruner, clk, quietLog())
	ctx := context.Background()

	turn, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "secret"})
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx, "acme", turn.ID))
	require.NoError(t, c.Prune(ctx, "acme", turn.ID), "second prune must succeed")

	f, err := db.GetFragment(turn.ID)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Contains(t, pruner.calls, "acme/"+turn.ID)
}

func TestPruneRemovesTurnFromSessionList(t *testing.T) {
	c, _, _ := testController(t, Config{}, nil)
	ctx := context.Background()

	_, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "keep me"})
	require.NoError(t, err)
	secret, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "ssn is 123-45-6789"})
	require.NoError(t, err)
	_, err = c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "keep me too"})
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx, "acme", secret.ID))

	// Forgetting must cover the recent window, not just Cold: neither
	// Recent nor an assembled context may resurrect the pruned turn.
	turns := c.Recent(ctx, "acme", "s1")
	require.Len(t, turns, 2)
	assert.Equal(t, "keep me", turns[0].Content)
	assert.Equal(t, "keep me too", turns[1].Content)

	items, err := c.Context(ctx, "acme", "s1", "", "")
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, secret.ID, it.ID)
	}
}

func TestSweepRemovesDecayedFragments(t *testing.T) {
	c, clk, db := testController(t, Config{HalfLife: 7 * 24 * time.Hour}, embedderFixture())
	ctx := context.Background()

	old, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "the capital of france is paris"})
	require.NoError(t, err)

	clk.Advance(70 * 24 * time.Hour)
	fresh, err := c.AppendTurn(ctx, "acme", "s1", Turn{Role: "user", Content: "favorite color is green"})
	require.NoError(t, err)

	removed, err := c.Sweep(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := db.GetFragment(old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := db.GetFragment(fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
