package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:             true,
		MinPrefixChars:      32,
		L1TTL:               5 * time.Minute,
		L2TTL:               time.Hour,
		L3TTL:               24 * time.Hour,
		SimilarityThreshold: 0.85,
	}
}

// fixedEmbedder returns canned vectors per input, unknown inputs share a
// zero vector.
type fixedEmbedder struct {
	vectors map[string][]float64
}

func (f fixedEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{0, 0}, nil
}

func setup(t *testing.T, embedder Embedder) (*Manager, context.Context) {
	t.Helper()
	return NewManager(store.NewMemory(), testConfig(), embedder, logger.Nop()), context.Background()
}

func qualifyingPrefix() string {
	return strings.Repeat("shared context ", 4) // 60 chars, above the 32 minimum
}

func TestExactHitIsIdempotent(t *testing.T) {
	m, ctx := setup(t, NewHashEmbedder())

	for i := 0; i < 2; i++ {
		m.Store(ctx, "summarize Q3 revenue", "the summary", "summarize", 10, "")
	}

	hit, ok := m.Lookup(ctx, "summarize Q3 revenue", "summarize", "")
	if !ok {
		t.Fatal("expected a hit after store")
	}
	if hit.Tier != models.CacheTierL2 {
		t.Errorf("tier = %s, want l2", hit.Tier)
	}
	if hit.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", hit.Confidence)
	}
	if hit.Response != "the summary" {
		t.Errorf("response = %q", hit.Response)
	}
	if hit.UnitsSaved != 10 {
		t.Errorf("units saved = %d, want 10", hit.UnitsSaved)
	}
}

func TestNormalizedInputSharesEntry(t *testing.T) {
	m, ctx := setup(t, nil)

	m.Store(ctx, "What is   APEC?", "answer", "qa", 5, "")

	if _, ok := m.Lookup(ctx, "  what is apec? ", "qa", ""); !ok {
		t.Error("normalized variant of the input should hit L2")
	}
}

func TestTaskTypeIsolation(t *testing.T) {
	m, ctx := setup(t, nil)

	m.Store(ctx, "same input", "analysis answer", "analysis", 5, "")

	if _, ok := m.Lookup(ctx, "same input", "summarize", ""); ok {
		t.Error("hit crossed the task-type boundary")
	}
}

func TestPrefixTierRequiresQualifyingPrefix(t *testing.T) {
	m, ctx := setup(t, nil)
	prefix := qualifyingPrefix()

	tiers := m.Store(ctx, "input", "resp", "draft", 5, prefix)
	if len(tiers) != 2 || tiers[0] != models.CacheTierL1 || tiers[1] != models.CacheTierL2 {
		t.Fatalf("written tiers = %v, want [l1 l2] with nil embedder", tiers)
	}

	// With the prefix supplied the waterfall stops at L1.
	hit, ok := m.Lookup(ctx, "input", "draft", prefix)
	if !ok || hit.Tier != models.CacheTierL1 {
		t.Errorf("hit = %+v ok=%v, want l1 hit", hit, ok)
	}

	// A short prefix skips L1 and still finds the L2 entry.
	hit, ok = m.Lookup(ctx, "input", "draft", "tiny")
	if !ok || hit.Tier != models.CacheTierL2 {
		t.Errorf("hit = %+v ok=%v, want l2 hit", hit, ok)
	}
}

func TestStoreReportsEligibleTiers(t *testing.T) {
	m, ctx := setup(t, NewHashEmbedder())

	tiers := m.Store(ctx, "input", "resp", "draft", 5, "")
	if len(tiers) != 2 || tiers[0] != models.CacheTierL2 || tiers[1] != models.CacheTierL3 {
		t.Errorf("written tiers = %v, want [l2 l3] without a prefix", tiers)
	}

	tiers = m.Store(ctx, "input", "resp", "draft", 5, qualifyingPrefix())
	if len(tiers) != 3 {
		t.Errorf("written tiers = %v, want all three with a qualifying prefix", tiers)
	}
}

func TestSemanticMatchAboveThreshold(t *testing.T) {
	embedder := fixedEmbedder{vectors: map[string][]float64{
		normalize("What is X?"):       {1, 0},
		normalize("Please explain X"): {0.9, 0.43588989435},  // cosine 0.90 to stored
		normalize("Unrelated topic"):  {0.8, 0.6},            // cosine 0.80 to stored
	}}
	m, ctx := setup(t, embedder)

	m.Store(ctx, "What is X?", "X is a thing", "qa", 20, "")

	hit, ok := m.Lookup(ctx, "Please explain X", "qa", "")
	if !ok {
		t.Fatal("expected an L3 hit at similarity 0.90")
	}
	if hit.Tier != models.CacheTierL3 {
		t.Errorf("tier = %s, want l3", hit.Tier)
	}
	if hit.Confidence < 0.89 || hit.Confidence > 0.91 {
		t.Errorf("confidence = %v, want ~0.90", hit.Confidence)
	}

	if _, ok := m.Lookup(ctx, "Unrelated topic", "qa", ""); ok {
		t.Error("similarity 0.80 is below the 0.85 threshold and must miss")
	}
}

func TestExactBeatsSemantic(t *testing.T) {
	m, ctx := setup(t, NewHashEmbedder())

	m.Store(ctx, "identical input", "resp", "qa", 5, "")

	// The same input would also match semantically; the waterfall must
	// return the exact tier first.
	hit, ok := m.Lookup(ctx, "identical input", "qa", "")
	if !ok || hit.Tier != models.CacheTierL2 {
		t.Errorf("hit = %+v ok=%v, want l2 before l3", hit, ok)
	}
}

func TestInvalidateByTaskType(t *testing.T) {
	m, ctx := setup(t, NewHashEmbedder())

	m.Store(ctx, "input a", "resp", "analysis", 5, "")
	m.Store(ctx, "input b", "resp", "summarize", 5, "")

	n, err := m.Invalidate(ctx, "analysis")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 { // l2 + l3 entries for the analysis type
		t.Errorf("removed %d entries, want 2", n)
	}

	if _, ok := m.Lookup(ctx, "input a", "analysis", ""); ok {
		t.Error("invalidated task type still hits")
	}
	if _, ok := m.Lookup(ctx, "input b", "summarize", ""); !ok {
		t.Error("invalidation removed entries outside its task type")
	}
}

func TestInvalidateAll(t *testing.T) {
	m, ctx := setup(t, nil)

	m.Store(ctx, "input a", "resp", "analysis", 5, "")
	m.Store(ctx, "input b", "resp", "summarize", 5, "")

	n, err := m.Invalidate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed %d entries, want 2", n)
	}
	if _, ok := m.Lookup(ctx, "input b", "summarize", ""); ok {
		t.Error("entry survived a full invalidation")
	}
}

func TestMetrics(t *testing.T) {
	m, ctx := setup(t, nil)

	m.Store(ctx, "known", "resp", "qa", 7, "")
	m.Lookup(ctx, "known", "qa", "")   // hit
	m.Lookup(ctx, "unknown", "qa", "") // miss

	stats := m.Metrics(ctx)
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate)
	}
	if stats.UnitsSaved != 7 {
		t.Errorf("units saved = %d, want 7", stats.UnitsSaved)
	}
	var l2 models.TierStats
	for _, ts := range stats.Tiers {
		if ts.Tier == models.CacheTierL2 {
			l2 = ts
		}
	}
	if l2.Entries != 1 || l2.Hits != 1 {
		t.Errorf("l2 stats = %+v, want 1 entry and 1 hit", l2)
	}
}

// brokenStore fails every operation, standing in for an unreachable
// shared state store.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("store down") }
func (brokenStore) DeletePrefix(context.Context, string) (int64, error) {
	return 0, errors.New("store down")
}
func (brokenStore) List(context.Context, string) ([]store.KV, error) {
	return nil, errors.New("store down")
}
func (brokenStore) Close() error { return nil }

func TestUnavailableStoreDegradesToMiss(t *testing.T) {
	m := NewManager(brokenStore{}, testConfig(), NewHashEmbedder(), logger.Nop())
	ctx := context.Background()

	if _, ok := m.Lookup(ctx, "anything", "qa", ""); ok {
		t.Error("broken store must read as a miss, not a hit")
	}
	if tiers := m.Store(ctx, "anything", "resp", "qa", 5, ""); len(tiers) != 0 {
		t.Errorf("broken store reported writes: %v", tiers)
	}
}

func TestDisabledCacheMissesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := NewManager(store.NewMemory(), cfg, nil, logger.Nop())
	ctx := context.Background()

	if tiers := m.Store(ctx, "input", "resp", "qa", 5, ""); tiers != nil {
		t.Errorf("disabled cache stored to %v", tiers)
	}
	if _, ok := m.Lookup(ctx, "input", "qa", ""); ok {
		t.Error("disabled cache returned a hit")
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "score these leads for fit")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(ctx, "score these leads for fit")
	if cosine(a, b) < 0.999 {
		t.Error("identical inputs must embed identically")
	}

	c, _ := e.Embed(ctx, "generate a product description")
	if sim := cosine(a, c); sim > 0.8 {
		t.Errorf("unrelated inputs scored %v, want well below 0.8", sim)
	}
}
