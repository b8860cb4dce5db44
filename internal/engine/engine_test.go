package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcache/agentcache/internal/fingerprint"
	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/prefetch"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testEngine(cfg Config, origin OriginFunc) (*Engine, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := New(cfg, Deps{
		Warm:   kv.NewMemory(clk),
		Log:    quietLog(),
		Clock:  clk,
		Origin: origin,
	})
	return e, clk
}

func testRequest(ns, content string) fingerprint.Request {
	return fingerprint.Request{
		Namespace: ns,
		Provider:  "openai",
		Model:     "gpt-4",
		Messages:  []fingerprint.Message{{Role: "user", Content: content}},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	e, _ := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("Paris"), time.Hour))

	res := e.Get(ctx, "acme", "h1")
	assert.True(t, res.Hit())
	assert.Equal(t, []byte("Paris"), res.Payload)
}

func TestNamespaceIsolation(t *testing.T) {
	e, _ := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("Paris"), time.Hour))

	res := e.Get(ctx, "other", "h1")
	assert.False(t, res.Hit(), "identical fingerprint must not cross namespaces")
	assert.False(t, e.Check(ctx, "other", "h1"))
	assert.True(t, e.Check(ctx, "acme", "h1"))
}

func TestExpiryScenario(t *testing.T) {
	// SET(acme,h1,"Paris",3600s); GET hits; other namespace misses;
	// after 3601 simulated seconds the entry is gone.
	e, clk := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("Paris"), 3600*time.Second))

	res := e.Get(ctx, "acme", "h1")
	require.True(t, res.Hit())
	assert.Equal(t, []byte("Paris"), res.Payload)

	assert.False(t, e.Get(ctx, "other", "h1").Hit())

	clk.Advance(3601 * time.Second)
	assert.False(t, e.Get(ctx, "acme", "h1").Hit())
}

func TestQueryComputesOnMissAndCaches(t *testing.T) {
	calls := 0
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		calls++
		return &OriginResult{Payload: []byte("computed"), Cost: 2}, nil
	}
	e, _ := testEngine(Config{}, origin)
	ctx := context.Background()

	res := e.Query(ctx, testRequest("acme", "q1"), QueryOptions{})
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, []byte("computed"), res.Payload)
	assert.Equal(t, 1, calls)

	res = e.Query(ctx, testRequest("acme", "q1"), QueryOptions{})
	assert.True(t, res.Hit())
	assert.Equal(t, []byte("computed"), res.Payload)
	assert.Equal(t, 1, calls, "second query served from cache")
}

func TestFreshnessAbsoluteBypassesTiers(t *testing.T) {
	calls := 0
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		calls++
		return &OriginResult{Payload: []byte("fresh")}, nil
	}
	e, _ := testEngine(Config{}, origin)
	ctx := context.Background()

	req := testRequest("acme", "q1")
	e.Query(ctx, req, QueryOptions{})
	require.Equal(t, 1, calls)

	res := e.Query(ctx, req, QueryOptions{Freshness: FreshnessAbsolute})
	assert.Equal(t, OutcomeMiss, res.Outcome, "absolute freshness never returns a cached hit")
	assert.Equal(t, 2, calls, "origin recomputed despite warm entry")
}

func TestMalformedRequestRejectedBeforeLookup(t *testing.T) {
	e, _ := testEngine(Config{}, nil)

	req := testRequest("acme", "q")
	req.Model = ""
	res := e.Query(context.Background(), req, QueryOptions{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, fingerprint.ErrMalformed)
}

func TestOriginTimeoutIsMissWithError(t *testing.T) {
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e, _ := testEngine(Config{OriginTimeout: 20 * time.Millisecond}, origin)

	res := e.Query(context.Background(), testRequest("acme", "slow"), QueryOptions{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrOriginTimeout)
}

func TestOriginErrorSurfaced(t *testing.T) {
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		return nil, errors.New("provider exploded")
	}
	e, _ := testEngine(Config{}, origin)

	res := e.Query(context.Background(), testRequest("acme", "q"), QueryOptions{})
	assert.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)
	assert.NotErrorIs(t, res.Err, ErrOriginTimeout)
}

// downStore fails every operation, simulating a shared-store outage.
type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, kv.ErrUnavailable
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error { return kv.ErrUnavailable }
func (downStore) Delete(context.Context, string) error                     { return kv.ErrUnavailable }
func (downStore) Incr(context.Context, string, int64) (int64, error)       { return 0, kv.ErrUnavailable }
func (downStore) Expire(context.Context, string, time.Duration) error      { return kv.ErrUnavailable }
func (downStore) Append(context.Context, string, []byte) (int64, error)    { return 0, kv.ErrUnavailable }
func (downStore) List(context.Context, string, int64, int64) ([][]byte, error) {
	return nil, kv.ErrUnavailable
}
func (downStore) Trim(context.Context, string, int64, int64) error { return kv.ErrUnavailable }
func (downStore) Ping(context.Context) error                       { return kv.ErrUnavailable }

func TestStoreOutageFallsThroughToOrigin(t *testing.T) {
	calls := 0
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		calls++
		return &OriginResult{Payload: []byte("still works")}, nil
	}
	e := New(Config{HotCapacity: 0}, Deps{
		Warm:   downStore{},
		Log:    quietLog(),
		Origin: origin,
	})
	// Hot disabled so the outage is the only path.
	pol := e.Policy()
	pol.HotEnabled = false
	require.NoError(t, e.ApplyPolicy(pol))

	res := e.Query(context.Background(), testRequest("acme", "q"), QueryOptions{})
	assert.Equal(t, OutcomeMiss, res.Outcome, "outage is a miss, not a failure")
	assert.Equal(t, []byte("still works"), res.Payload)
	assert.Equal(t, 1, calls)
}

func TestAdmissionRequiresStrictlyGreaterFrequency(t *testing.T) {
	e, _ := testEngine(Config{HotCapacity: 2}, nil)
	ctx := context.Background()

	// Residents a and b earn frequency through repeated access.
	require.NoError(t, e.Put(ctx, "acme", "a", []byte("1"), time.Hour))
	require.NoError(t, e.Put(ctx, "acme", "b", []byte("2"), time.Hour))
	for i := 0; i < 4; i++ {
		require.True(t, e.Get(ctx, "acme", "a").Hit())
		require.True(t, e.Get(ctx, "acme", "b").Hit())
	}
	require.True(t, e.HotResident("acme", "a"))
	require.True(t, e.HotResident("acme", "b"))

	// One-off candidate: seen once, strictly below the victim. Stays
	// out of Hot but is still served from Warm.
	require.NoError(t, e.Put(ctx, "acme", "oneoff", []byte("3"), time.Hour))
	assert.False(t, e.HotResident("acme", "oneoff"), "cold candidate must not evict a proven resident")
	assert.True(t, e.Get(ctx, "acme", "oneoff").Hit(), "write-through to warm still serves it")

	// Heavy candidate: touched until strictly above the minimum
	// resident, so it takes the victim's slot.
	for i := 0; i < 12; i++ {
		e.Get(ctx, "acme", "heavy")
	}
	require.NoError(t, e.Put(ctx, "acme", "heavy", []byte("4"), time.Hour))
	assert.True(t, e.HotResident("acme", "heavy"))
	assert.GreaterOrEqual(t, e.Stats().Evictions, int64(1))
}

func TestLowConfidenceReasoningNotCached(t *testing.T) {
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		return &OriginResult{Payload: []byte("trace"), Kind: "reasoning", Confidence: 0.3}, nil
	}
	e, _ := testEngine(Config{}, origin)
	ctx := context.Background()

	req := testRequest("acme", "reason")
	e.Query(ctx, req, QueryOptions{})

	res := e.Query(ctx, req, QueryOptions{})
	assert.Equal(t, OutcomeMiss, res.Outcome, "below-confidence reasoning is recomputed")
}

func TestHighConfidenceReasoningCached(t *testing.T) {
	calls := 0
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		calls++
		return &OriginResult{Payload: []byte("trace"), Kind: "reasoning", Confidence: 0.9}, nil
	}
	e, _ := testEngine(Config{}, origin)
	ctx := context.Background()

	req := testRequest("acme", "reason")
	e.Query(ctx, req, QueryOptions{})
	res := e.Query(ctx, req, QueryOptions{})
	assert.True(t, res.Hit())
	assert.Equal(t, 1, calls)
}

func TestApplyPolicyRejectsUnknownStrategy(t *testing.T) {
	e, _ := testEngine(Config{}, nil)

	pol := e.Policy()
	pol.HotStrategy = "clock"
	assert.Error(t, e.ApplyPolicy(pol))
	assert.Equal(t, "lru", e.Policy().HotStrategy, "policy unchanged on rejection")
}

func TestDeleteRemovesFromAllTiers(t *testing.T) {
	e, _ := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("x"), time.Hour))
	require.True(t, e.Get(ctx, "acme", "h1").Hit())

	require.NoError(t, e.Delete(ctx, "acme", "h1"))
	assert.False(t, e.Get(ctx, "acme", "h1").Hit())
	assert.False(t, e.Check(ctx, "acme", "h1"))
}

func TestAdmissionVictimIsMinimumFrequencyResident(t *testing.T) {
	// Under LRU the policy's next victim can be the hottest key in the
	// tier. Admission must compare against the coldest resident instead,
	// so a middling candidate displaces the cold one and never the hot.
	e, _ := testEngine(Config{HotCapacity: 2}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "heavy", []byte("1"), time.Hour))
	require.NoError(t, e.Put(ctx, "acme", "light", []byte("2"), time.Hour))
	for i := 0; i < 10; i++ {
		require.True(t, e.Get(ctx, "acme", "heavy").Hit())
	}
	for i := 0; i < 3; i++ {
		require.True(t, e.Get(ctx, "acme", "light").Hit())
	}
	// heavy is now the LRU-oldest resident despite its frequency.
	require.True(t, e.Get(ctx, "acme", "light").Hit())

	for i := 0; i < 7; i++ {
		e.Get(ctx, "acme", "mid")
	}
	require.NoError(t, e.Put(ctx, "acme", "mid", []byte("3"), time.Hour))

	assert.True(t, e.HotResident("acme", "mid"), "candidate above the coldest resident is admitted")
	assert.True(t, e.HotResident("acme", "heavy"), "hottest resident survives admission")
	assert.False(t, e.HotResident("acme", "light"))
}

func TestColonInNamespaceDoesNotAlias(t *testing.T) {
	// "a"/"b:c" and "a:b"/"c" concatenate identically with a plain ":"
	// join; the length-prefixed keys keep them distinct entries.
	e, _ := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "a", "b:c", []byte("secret"), time.Hour))

	assert.False(t, e.Get(ctx, "a:b", "c").Hit())
	assert.False(t, e.Check(ctx, "a:b", "c"))
	assert.True(t, e.Get(ctx, "a", "b:c").Hit())
}

func TestCheckHonorsExpiry(t *testing.T) {
	e, clk := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("Paris"), 3600*time.Second))
	require.True(t, e.Check(ctx, "acme", "h1"))

	clk.Advance(3601 * time.Second)
	assert.False(t, e.Check(ctx, "acme", "h1"), "expired entry must not report present")
	assert.False(t, e.HotResident("acme", "h1"))
}

func TestTransitionLearningIsSessionScoped(t *testing.T) {
	origin := func(ctx context.Context, req fingerprint.Request) (*OriginResult, error) {
		return &OriginResult{Payload: []byte("v")}, nil
	}
	e, _ := testEngine(Config{}, origin)
	p := prefetch.New(prefetch.Config{MinSupport: 3}, nil, quietLog())
	e.SetPrefetcher(p)
	ctx := context.Background()

	// Two conversations interleave in one namespace: s1 alternates
	// a->b, s2 alternates c->d. Per-namespace chaining would learn the
	// spurious a->c and b->d edges instead.
	var fpA, fpB, fpC string
	for i := 0; i < 4; i++ {
		fpA = e.Query(ctx, testRequest("acme", "a"), QueryOptions{SessionID: "s1"}).Fingerprint
		fpC = e.Query(ctx, testRequest("acme", "c"), QueryOptions{SessionID: "s2"}).Fingerprint
		fpB = e.Query(ctx, testRequest("acme", "b"), QueryOptions{SessionID: "s1"}).Fingerprint
		e.Query(ctx, testRequest("acme", "d"), QueryOptions{SessionID: "s2"})
	}

	preds := p.Predict("acme", fpA, 1)
	require.Len(t, preds, 1)
	assert.Equal(t, fpB, preds[0].Fingerprint, "s1 transitions stay within s1")
	assert.NotEqual(t, fpC, preds[0].Fingerprint)
}

func TestStatsCount(t *testing.T) {
	e, _ := testEngine(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "acme", "h1", []byte("x"), time.Hour))
	e.Get(ctx, "acme", "h1")
	e.Get(ctx, "acme", "absent")

	s := e.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}
