package governor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// BudgetStatus returns a snapshot of the current window, rolling it over
// first if its duration has elapsed.
func (g *Governor) BudgetStatus(ctx context.Context) (models.BudgetStatus, error) {
	w, err := g.currentWindow(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	return g.statusFor(w), nil
}

// UsageMetrics reports consumption rates and tier mix for the current
// window plus totals over the retained history.
func (g *Governor) UsageMetrics(ctx context.Context) (models.UsageMetrics, error) {
	w, err := g.currentWindow(ctx)
	if err != nil {
		return models.UsageMetrics{}, err
	}

	g.mu.Lock()
	ratio := g.cfg.HighTierCostRatio
	g.mu.Unlock()
	if ratio <= 1 {
		ratio = 5.0
	}

	m := models.UsageMetrics{WindowID: w.ID}

	elapsed := g.now().Sub(w.StartedAt)
	if elapsed > 0 {
		m.UnitsPerHour = float64(w.Used()) / elapsed.Hours()
	}
	if used := w.Used(); used > 0 {
		m.HighShare = float64(w.HighUnits) / float64(used)
		m.EconomyShare = float64(w.EconomyUnits) / float64(used)
		// Savings against routing everything to the high tier, given the
		// per-unit cost ratio.
		blended := float64(w.HighUnits)*ratio + float64(w.EconomyUnits)
		allHigh := float64(used) * ratio
		m.CostEfficiency = 1 - blended/allHigh
	}

	history, err := g.History(ctx)
	if err != nil {
		return models.UsageMetrics{}, err
	}
	m.WindowsRetained = len(history)
	for _, h := range history {
		m.HistoryUnits += h.Used()
	}
	return m, nil
}

// History returns the retained closed windows, oldest first.
func (g *Governor) History(ctx context.Context) ([]models.UsageWindow, error) {
	raw, ok, err := g.store.Get(ctx, historyKey)
	if err != nil {
		return nil, fmt.Errorf("load window history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var history []models.UsageWindow
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode window history: %w", err)
	}
	return history, nil
}

// currentWindow reads the live window without mutating it unless a
// rollover is due.
func (g *Governor) currentWindow(ctx context.Context) (models.UsageWindow, error) {
	raw, ok, err := g.store.Get(ctx, windowKey)
	if err != nil {
		return models.UsageWindow{}, fmt.Errorf("load window: %w", err)
	}
	if ok {
		var w models.UsageWindow
		if err := json.Unmarshal(raw, &w); err != nil {
			return models.UsageWindow{}, fmt.Errorf("decode window: %w", err)
		}
		if !w.Expired(g.now()) {
			return w, nil
		}
	}
	return g.mutateWindow(ctx, func(*models.UsageWindow) {})
}

func (g *Governor) statusFor(w models.UsageWindow) models.BudgetStatus {
	g.mu.Lock()
	throttle, critical := g.cfg.ThrottleThreshold, g.cfg.CriticalThreshold
	g.mu.Unlock()

	util := w.Utilization()
	health := models.HealthNormal
	switch {
	case util >= critical:
		health = models.HealthCritical
	case util >= throttle:
		health = models.HealthThrottled
	}

	return models.BudgetStatus{
		WindowID:    w.ID,
		WindowStart: w.StartedAt,
		WindowEnds:  w.EndsAt(),
		Ceiling:     w.Ceiling,
		Used:        w.Used(),
		Remaining:   w.Remaining(),
		Utilization: util,
		Health:      health,
		Throttled:   health != models.HealthNormal,
	}
}
