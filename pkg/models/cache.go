package models

import "time"

// CacheTier names one of the three lookup tiers, cheapest first.
type CacheTier string

const (
	CacheTierL1 CacheTier = "l1"
	CacheTierL2 CacheTier = "l2"
	CacheTierL3 CacheTier = "l3"
)

// CacheEntry is one stored response. The embedding is populated only for
// L3 entries; TaskType is the isolation boundary across all tiers.
type CacheEntry struct {
	Key         string    `json:"key"`
	TaskType    string    `json:"task_type"`
	Response    string    `json:"response"`
	Embedding   []float64 `json:"embedding,omitempty"`
	UnitsSaved  int64     `json:"units_saved"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessCount int64     `json:"access_count"`
}

// CacheHit is a successful lookup. Confidence is 1.0 for the exact tiers
// and the cosine similarity for L3.
type CacheHit struct {
	Tier       CacheTier `json:"tier"`
	Response   string    `json:"response"`
	Confidence float64   `json:"confidence"`
	UnitsSaved int64     `json:"units_saved"`
}

// TierStats reports one tier's performance.
type TierStats struct {
	Tier    CacheTier `json:"tier"`
	Entries int64     `json:"entries"`
	Hits    int64     `json:"hits"`
	Misses  int64     `json:"misses"`
}

// HitRate returns hits over lookups for this tier, 0 when unused.
func (s TierStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheStats aggregates tier stats with the waterfall-level totals.
type CacheStats struct {
	Tiers      []TierStats `json:"tiers"`
	Hits       int64       `json:"hits"`
	Misses     int64       `json:"misses"`
	HitRate    float64     `json:"hit_rate"`
	UnitsSaved int64       `json:"units_saved"`
}
