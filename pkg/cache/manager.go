// Package cache avoids spending budget on work whose result is already
// known. Lookups waterfall through three tiers, cheapest and most
// certain first: an exact recent-context match, an exact normalized
// input match, and an approximate embedding match.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Manager orchestrates the three lookup tiers. Any tier failure degrades
// to a miss; the cache never fails a task.
type Manager struct {
	st    store.Store
	log   *logger.Logger
	tiers []tier

	mu  sync.Mutex
	cfg config.CacheConfig

	hits   [3]atomic.Int64
	misses [3]atomic.Int64

	lookupHits   atomic.Int64
	lookupMisses atomic.Int64
	unitsSaved   atomic.Int64
}

// NewManager creates a Manager over st. A nil embedder disables the
// semantic tier; lookups then stop at the exact tiers.
func NewManager(st store.Store, cfg config.CacheConfig, embedder Embedder, log *logger.Logger) *Manager {
	m := &Manager{st: st, log: log, cfg: cfg}
	current := func() config.CacheConfig {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.cfg
	}
	m.tiers = []tier{
		&prefixTier{st: st, cfg: current},
		&exactTier{st: st, cfg: current},
		&semanticTier{st: st, cfg: current, embedder: embedder},
	}
	return m
}

// SetTunables applies new TTLs and thresholds to subsequent operations.
func (m *Manager) SetTunables(cfg config.CacheConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

func (m *Manager) enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

// Lookup waterfalls input through the tiers and returns the first hit.
// The boolean is false on a full miss; errors are logged and treated as
// misses so an unavailable tier never fails the caller.
func (m *Manager) Lookup(ctx context.Context, input, taskType, contextPrefix string) (models.CacheHit, bool) {
	if !m.enabled() {
		return models.CacheHit{}, false
	}

	for i, t := range m.tiers {
		if !t.applies(contextPrefix) {
			continue
		}
		hit, ok, err := t.lookup(ctx, input, taskType, contextPrefix)
		if err != nil {
			m.log.Warn("cache tier degraded to miss",
				logger.String("tier", string(t.name())),
				logger.String("task_type", taskType),
				logger.Error(err))
			m.misses[i].Add(1)
			continue
		}
		if !ok {
			m.misses[i].Add(1)
			continue
		}

		m.hits[i].Add(1)
		m.lookupHits.Add(1)
		m.unitsSaved.Add(hit.UnitsSaved)
		m.log.Debug("cache hit",
			logger.String("tier", string(hit.Tier)),
			logger.String("task_type", taskType),
			logger.Float64("confidence", hit.Confidence),
			logger.Int64("units_saved", hit.UnitsSaved))
		return hit, true
	}

	m.lookupMisses.Add(1)
	return models.CacheHit{}, false
}

// Store writes the response to every eligible tier concurrently and
// returns the tiers written. Tier failures are logged and skipped; a
// partial write is normal, not an error.
func (m *Manager) Store(ctx context.Context, input, response, taskType string, estimatedUnits int64, contextPrefix string) []models.CacheTier {
	if !m.enabled() {
		return nil
	}

	var (
		mu      sync.Mutex
		written []models.CacheTier
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range m.tiers {
		if !t.applies(contextPrefix) {
			continue
		}
		t := t
		g.Go(func() error {
			stored, err := t.store(gctx, input, response, taskType, contextPrefix, estimatedUnits)
			if err != nil {
				m.log.Warn("cache tier write failed",
					logger.String("tier", string(t.name())),
					logger.String("task_type", taskType),
					logger.Error(err))
				return nil
			}
			if stored {
				mu.Lock()
				written = append(written, t.name())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(written, func(i, j int) bool { return written[i] < written[j] })
	return written
}

// Invalidate removes entries for one task type, or every entry when
// taskType is empty. Returns how many entries were removed.
func (m *Manager) Invalidate(ctx context.Context, taskType string) (int64, error) {
	if taskType == "" {
		n, err := m.st.DeletePrefix(ctx, "cache/")
		if err == nil {
			m.log.Info("cache invalidated", logger.String("scope", "all"), logger.Int64("removed", n))
		}
		return n, err
	}

	var total int64
	for _, prefix := range []string{l1Prefix, l2Prefix, l3Prefix} {
		n, err := m.st.DeletePrefix(ctx, prefix+taskType+"/")
		if err != nil {
			return total, err
		}
		total += n
	}
	m.log.Info("cache invalidated", logger.String("scope", taskType), logger.Int64("removed", total))
	return total, nil
}

// Metrics reports per-tier and aggregate cache performance.
func (m *Manager) Metrics(ctx context.Context) models.CacheStats {
	stats := models.CacheStats{
		Hits:       m.lookupHits.Load(),
		Misses:     m.lookupMisses.Load(),
		UnitsSaved: m.unitsSaved.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	prefixes := []string{l1Prefix, l2Prefix, l3Prefix}
	for i, t := range m.tiers {
		ts := models.TierStats{
			Tier:   t.name(),
			Hits:   m.hits[i].Load(),
			Misses: m.misses[i].Load(),
		}
		if kvs, err := m.st.List(ctx, prefixes[i]); err == nil {
			ts.Entries = int64(len(kvs))
		}
		stats.Tiers = append(stats.Tiers, ts)
	}
	return stats
}
