package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

// Store key prefixes, one namespace per tier.
const (
	l1Prefix = "cache/l1/"
	l2Prefix = "cache/l2/"
	l3Prefix = "cache/l3/"
)

// tier is the hit/miss contract each lookup tier implements. The manager
// walks tiers in waterfall order and never sees their matching logic.
type tier interface {
	name() models.CacheTier

	// applies reports whether this tier takes part in a request carrying
	// the given context prefix.
	applies(prefix string) bool

	lookup(ctx context.Context, input, taskType, prefix string) (models.CacheHit, bool, error)

	// stored is false when the tier declined the entry without error.
	store(ctx context.Context, input, response, taskType, prefix string, units int64) (stored bool, err error)
}

// prefixTier (L1) is an exact match over the full recent context: the
// reusable prefix plus the input. It only engages when the prefix is
// long enough to be worth caching, and its entries live the shortest.
type prefixTier struct {
	st  store.Store
	cfg func() config.CacheConfig
}

func (t *prefixTier) name() models.CacheTier { return models.CacheTierL1 }

func (t *prefixTier) applies(prefix string) bool {
	return len(prefix) >= t.cfg().MinPrefixChars
}

func (t *prefixTier) key(taskType, prefix, input string) string {
	return l1Prefix + taskType + "/" + hashText(prefix+"\x00"+input)
}

func (t *prefixTier) lookup(ctx context.Context, input, taskType, prefix string) (models.CacheHit, bool, error) {
	key := t.key(taskType, prefix, input)
	e, ok, err := loadEntry(ctx, t.st, key)
	if err != nil || !ok {
		return models.CacheHit{}, false, err
	}
	touchEntry(ctx, t.st, key, e)
	return models.CacheHit{
		Tier:       models.CacheTierL1,
		Response:   e.Response,
		Confidence: 1.0,
		UnitsSaved: e.UnitsSaved,
	}, true, nil
}

func (t *prefixTier) store(ctx context.Context, input, response, taskType, prefix string, units int64) (bool, error) {
	key := t.key(taskType, prefix, input)
	ttl := t.cfg().L1TTL
	if err := saveEntry(ctx, t.st, key, taskType, response, nil, units, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// exactTier (L2) matches the content hash of the normalized input,
// scoped by task type.
type exactTier struct {
	st  store.Store
	cfg func() config.CacheConfig
}

func (t *exactTier) name() models.CacheTier { return models.CacheTierL2 }

func (t *exactTier) applies(string) bool { return true }

func (t *exactTier) key(taskType, input string) string {
	return l2Prefix + taskType + "/" + hashText(normalize(input))
}

func (t *exactTier) lookup(ctx context.Context, input, taskType, _ string) (models.CacheHit, bool, error) {
	key := t.key(taskType, input)
	e, ok, err := loadEntry(ctx, t.st, key)
	if err != nil || !ok {
		return models.CacheHit{}, false, err
	}
	touchEntry(ctx, t.st, key, e)
	return models.CacheHit{
		Tier:       models.CacheTierL2,
		Response:   e.Response,
		Confidence: 1.0,
		UnitsSaved: e.UnitsSaved,
	}, true, nil
}

func (t *exactTier) store(ctx context.Context, input, response, taskType, _ string, units int64) (bool, error) {
	if err := saveEntry(ctx, t.st, t.key(taskType, input), taskType, response, nil, units, t.cfg().L2TTL); err != nil {
		return false, err
	}
	return true, nil
}

// semanticTier (L3) stores an embedding of the normalized input next to
// the response and matches the nearest stored vector of the same task
// type above the similarity threshold.
type semanticTier struct {
	st       store.Store
	cfg      func() config.CacheConfig
	embedder Embedder
}

func (t *semanticTier) name() models.CacheTier { return models.CacheTierL3 }

func (t *semanticTier) applies(string) bool { return t.embedder != nil }

func (t *semanticTier) key(taskType, input string) string {
	return l3Prefix + taskType + "/" + hashText(normalize(input))
}

func (t *semanticTier) lookup(ctx context.Context, input, taskType, _ string) (models.CacheHit, bool, error) {
	vec, err := t.embedder.Embed(ctx, normalize(input))
	if err != nil {
		return models.CacheHit{}, false, fmt.Errorf("embed lookup input: %w", err)
	}

	kvs, err := t.st.List(ctx, l3Prefix+taskType+"/")
	if err != nil {
		return models.CacheHit{}, false, fmt.Errorf("scan semantic entries: %w", err)
	}

	var (
		best      models.CacheEntry
		bestKey   string
		bestScore float64
	)
	for _, kv := range kvs {
		var e models.CacheEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue
		}
		// Entries embedded at a different dimensionality can't be compared.
		if len(e.Embedding) != len(vec) {
			continue
		}
		if sim := cosine(vec, e.Embedding); sim > bestScore {
			best, bestKey, bestScore = e, kv.Key, sim
		}
	}

	if bestKey == "" || bestScore < t.cfg().SimilarityThreshold {
		return models.CacheHit{}, false, nil
	}
	touchEntry(ctx, t.st, bestKey, best)
	return models.CacheHit{
		Tier:       models.CacheTierL3,
		Response:   best.Response,
		Confidence: bestScore,
		UnitsSaved: best.UnitsSaved,
	}, true, nil
}

func (t *semanticTier) store(ctx context.Context, input, response, taskType, _ string, units int64) (bool, error) {
	vec, err := t.embedder.Embed(ctx, normalize(input))
	if err != nil {
		return false, fmt.Errorf("embed stored input: %w", err)
	}
	if err := saveEntry(ctx, t.st, t.key(taskType, input), taskType, response, vec, units, t.cfg().L3TTL); err != nil {
		return false, err
	}
	return true, nil
}

// normalize lowercases and collapses whitespace so trivially different
// inputs share an exact-match key.
func normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}

func loadEntry(ctx context.Context, st store.Store, key string) (models.CacheEntry, bool, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("load cache entry: %w", err)
	}
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	var e models.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

func saveEntry(ctx context.Context, st store.Store, key, taskType, response string, embedding []float64, units int64, ttl time.Duration) error {
	now := time.Now().UTC()
	e := models.CacheEntry{
		Key:        key,
		TaskType:   taskType,
		Response:   response,
		Embedding:  embedding,
		UnitsSaved: units,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := st.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// touchEntry bumps the access counter without extending the TTL. Best
// effort: a failed touch never turns a hit into a miss.
func touchEntry(ctx context.Context, st store.Store, key string, e models.CacheEntry) {
	e.AccessCount++
	remaining := time.Until(e.ExpiresAt)
	if remaining <= 0 {
		return
	}
	if raw, err := json.Marshal(e); err == nil {
		_ = st.Set(ctx, key, raw, remaining)
	}
}
