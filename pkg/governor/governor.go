// Package governor tracks the rolling usage window and decides whether a
// task may run right now, and on which tier.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/google/uuid"
)

// ErrContention is returned when the window CAS loop loses to concurrent
// writers too many times in a row.
var ErrContention = errors.New("window update contention")

const (
	windowKey  = "governor/window/current"
	historyKey = "governor/window/history"

	casAttempts = 8
)

// Governor owns the current UsageWindow and its history. All mutations go
// through a compare-and-swap loop against the shared state store, so
// several governor processes can share one budget.
type Governor struct {
	store store.Store
	log   *logger.Logger

	mu  sync.Mutex
	cfg config.GovernorConfig

	now func() time.Time
}

// New creates a Governor. The window is created lazily on first use and
// survives restarts through the store.
func New(st store.Store, cfg config.GovernorConfig, log *logger.Logger) *Governor {
	return &Governor{
		store: st,
		log:   log,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetTunables applies new thresholds to subsequent decisions. The live
// window keeps its ceiling and duration until it rolls over.
func (g *Governor) SetTunables(cfg config.GovernorConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// RequestResources applies the three-zone admission policy and, on
// admission, reserves the estimated cost against the current window.
// Denial and queueing are normal outcomes; the error is only for store
// failures. In the critical zone a priority-gated admission may overrun
// the ceiling by at most its own estimate; once the ceiling is fully
// consumed nothing further is admitted.
func (g *Governor) RequestResources(ctx context.Context, req models.TaskResourceRequest, recommended models.Tier) (models.ResourceAllocation, error) {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	alloc := models.ResourceAllocation{TaskID: req.TaskID}

	_, err := g.mutateWindow(ctx, func(w *models.UsageWindow) {
		status := g.statusFor(*w)
		ends := w.EndsAt()
		remaining := w.Remaining()

		tier := recommended
		if !tier.Valid() {
			tier = models.TierEconomy
		}
		if req.MandatoryHigh {
			tier = models.TierHigh
		}

		switch status.Health {
		case models.HealthCritical:
			if req.Priority < cfg.CriticalMinPriority {
				alloc.Allocated = false
				alloc.Reason = fmt.Sprintf("critical zone admits only priority >= %d", cfg.CriticalMinPriority)
				alloc.RetryAfter = &ends
				return
			}
			if remaining == 0 {
				alloc.Allocated = false
				alloc.Reason = "window ceiling consumed"
				alloc.RetryAfter = &ends
				return
			}

		case models.HealthThrottled:
			if req.MandatoryHigh {
				alloc.Allocated = false
				alloc.Queued = true
				alloc.Reason = "throttling: mandatory high-tier request queued until pressure clears"
				alloc.RetryAfter = &ends
				return
			}
			tier = models.TierEconomy
			if req.EstimatedUnits > remaining {
				alloc.Allocated = false
				alloc.Reason = fmt.Sprintf("estimated %d units exceed remaining %d", req.EstimatedUnits, remaining)
				alloc.RetryAfter = &ends
				return
			}

		default: // normal
			if req.EstimatedUnits > remaining {
				alloc.Allocated = false
				alloc.Reason = fmt.Sprintf("estimated %d units exceed remaining %d", req.EstimatedUnits, remaining)
				alloc.RetryAfter = &ends
				return
			}
		}

		g.reserve(w, req.TaskID, tier, req.EstimatedUnits)
		alloc.Allocated = true
		alloc.Tier = tier
		alloc.Reason = admitReason(status.Health, req, recommended, tier)
	})
	if err != nil {
		return models.ResourceAllocation{}, err
	}

	g.log.Debug("admission decision",
		logger.String("task_id", req.TaskID),
		logger.Bool("allocated", alloc.Allocated),
		logger.Bool("queued", alloc.Queued),
		logger.String("tier", string(alloc.Tier)),
		logger.String("reason", alloc.Reason))
	return alloc, nil
}

func admitReason(health models.BudgetHealth, req models.TaskResourceRequest, recommended, granted models.Tier) string {
	switch {
	case req.MandatoryHigh:
		return "mandatory high tier honored"
	case health == models.HealthThrottled && recommended == models.TierHigh:
		return "throttling: downgraded to economy tier"
	case health == models.HealthCritical:
		return fmt.Sprintf("critical zone: priority %d admitted", req.Priority)
	case granted == recommended:
		return "admitted on recommended tier"
	default:
		return "admitted"
	}
}

// RecordUsage reconciles a reservation with the units actually consumed.
// Unknown task IDs simply charge the actual amount; over- and
// under-estimates are corrected silently.
func (g *Governor) RecordUsage(ctx context.Context, taskID string, tier models.Tier, actualUnits int64) error {
	if !tier.Valid() {
		tier = models.TierEconomy
	}
	_, err := g.mutateWindow(ctx, func(w *models.UsageWindow) {
		if res, ok := w.Reservations[taskID]; ok {
			addUnits(w, res.Tier, -res.Units)
			delete(w.Reservations, taskID)
		}
		addUnits(w, tier, actualUnits)
	})
	if err != nil {
		return err
	}
	g.log.Debug("usage recorded",
		logger.String("task_id", taskID),
		logger.String("tier", string(tier)),
		logger.Int64("units", actualUnits))
	return nil
}

// ReleaseReservation drops a provisional reservation without charging
// anything, for tasks that were admitted but never ran.
func (g *Governor) ReleaseReservation(ctx context.Context, taskID string) error {
	_, err := g.mutateWindow(ctx, func(w *models.UsageWindow) {
		if res, ok := w.Reservations[taskID]; ok {
			addUnits(w, res.Tier, -res.Units)
			delete(w.Reservations, taskID)
		}
	})
	return err
}

func (g *Governor) reserve(w *models.UsageWindow, taskID string, tier models.Tier, units int64) {
	if w.Reservations == nil {
		w.Reservations = make(map[string]models.Reservation)
	}
	w.Reservations[taskID] = models.Reservation{
		TaskID:    taskID,
		Tier:      tier,
		Units:     units,
		CreatedAt: g.now().UTC(),
	}
	addUnits(w, tier, units)
}

func addUnits(w *models.UsageWindow, tier models.Tier, units int64) {
	switch tier {
	case models.TierHigh:
		w.HighUnits += units
		if w.HighUnits < 0 {
			w.HighUnits = 0
		}
	default:
		w.EconomyUnits += units
		if w.EconomyUnits < 0 {
			w.EconomyUnits = 0
		}
	}
}

// mutateWindow loads the current window, rolls it over if its duration
// has elapsed, applies fn and writes the result back with a
// compare-and-swap. The read-modify-write cycle repeats on CAS conflicts
// so concurrent governors never over-commit the same budget.
func (g *Governor) mutateWindow(ctx context.Context, fn func(*models.UsageWindow)) (models.UsageWindow, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, ok, err := g.store.Get(ctx, windowKey)
		if err != nil {
			return models.UsageWindow{}, fmt.Errorf("load window: %w", err)
		}

		var w models.UsageWindow
		var closed *models.UsageWindow
		if ok {
			if err := json.Unmarshal(raw, &w); err != nil {
				return models.UsageWindow{}, fmt.Errorf("decode window: %w", err)
			}
			if w.Expired(g.now()) {
				old := w
				w = g.freshWindow(&old)
				closed = &old
			}
		} else {
			w = g.freshWindow(nil)
			raw = nil
		}

		fn(&w)

		next, err := json.Marshal(w)
		if err != nil {
			return models.UsageWindow{}, fmt.Errorf("encode window: %w", err)
		}

		swapped, err := g.store.CompareAndSwap(ctx, windowKey, raw, next, 0)
		if err != nil {
			return models.UsageWindow{}, fmt.Errorf("store window: %w", err)
		}
		if swapped {
			if closed != nil {
				g.archive(ctx, *closed)
			}
			return w, nil
		}
	}
	return models.UsageWindow{}, ErrContention
}

// freshWindow opens a new window. Outstanding reservations from the
// closing window carry over so in-flight tasks reconcile against live
// counters; the closed window keeps only settled usage.
func (g *Governor) freshWindow(old *models.UsageWindow) models.UsageWindow {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	w := models.UsageWindow{
		ID:        uuid.New().String()[:8],
		StartedAt: g.now().UTC(),
		Duration:  cfg.WindowDuration,
		Ceiling:   cfg.WindowCeiling,
	}
	if old != nil && len(old.Reservations) > 0 {
		w.Reservations = old.Reservations
		for _, res := range old.Reservations {
			addUnits(&w, res.Tier, res.Units)
			addUnits(old, res.Tier, -res.Units)
		}
		old.Reservations = nil
	}
	return w
}

// archive pushes a closed window onto the bounded history list. Only the
// CAS winner archives, so a plain write is enough.
func (g *Governor) archive(ctx context.Context, closed models.UsageWindow) {
	g.mu.Lock()
	limit := g.cfg.HistoryLimit
	g.mu.Unlock()

	var history []models.UsageWindow
	if raw, ok, err := g.store.Get(ctx, historyKey); err == nil && ok {
		_ = json.Unmarshal(raw, &history)
	}
	history = append(history, closed)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if raw, err := json.Marshal(history); err == nil {
		if err := g.store.Set(ctx, historyKey, raw, 0); err != nil {
			g.log.Warn("window history write failed", logger.Error(err))
		}
	}

	g.log.Info("usage window rolled over",
		logger.String("closed_id", closed.ID),
		logger.Int64("closed_units", closed.Used()),
		logger.Int64("ceiling", closed.Ceiling))
}
