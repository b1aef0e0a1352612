// Package router picks a backend tier for each task by weighing declared
// complexity, budget headroom, historical success and priority.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

const historyKeyPrefix = "router/history/"

// tierHistory is the per-task-type success record, smoothed as an
// exponential moving average per tier.
type tierHistory struct {
	High           float64 `json:"high"`
	Economy        float64 `json:"economy"`
	HighSamples    int64   `json:"high_samples"`
	EconomySamples int64   `json:"economy_samples"`
}

// Router scores tasks onto one of the two tiers. Outcome history is kept
// per task type, cached in memory and persisted through the store.
type Router struct {
	store store.Store
	log   *logger.Logger

	mu      sync.Mutex
	cfg     config.RouterConfig
	history map[string]tierHistory
}

// New creates a Router.
func New(st store.Store, cfg config.RouterConfig, log *logger.Logger) *Router {
	return &Router{
		store:   st,
		log:     log,
		cfg:     cfg,
		history: make(map[string]tierHistory),
	}
}

// SetTunables applies new thresholds and weights to subsequent decisions.
func (r *Router) SetTunables(cfg config.RouterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// RouteTask recommends a tier for req under the given budget status. The
// returned decision carries every component score that produced it.
// Routing never mutates router state.
func (r *Router) RouteTask(ctx context.Context, req models.TaskResourceRequest, status models.BudgetStatus) models.RouteDecision {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	d := models.RouteDecision{
		TaskID:   req.TaskID,
		TaskType: req.TaskType,
		Weights:  cfg.Weights,
	}

	if req.MandatoryHigh {
		d.Tier = models.TierHigh
		d.Mandatory = true
		d.Reason = "mandatory high tier declared by caller"
		return d
	}

	complexity := effectiveComplexity(req)
	headroom := 1 - status.Utilization
	if headroom < 0 {
		headroom = 0
	}
	hist := r.historyFor(ctx, req.TaskType)

	d.ComplexityScore = complexity / 10
	d.HeadroomScore = headroom
	// Neutral 0.5 when the tiers perform alike (or nothing is known);
	// pulled above 0.5 when the high tier has earned it.
	d.HistoryScore = 0.5 + (hist.successRate(models.TierHigh)-hist.successRate(models.TierEconomy))/2
	d.PriorityScore = clamp(float64(req.Priority)/10, 0, 1)

	d.Score = 10 * (cfg.Weights.Complexity*d.ComplexityScore +
		cfg.Weights.Headroom*d.HeadroomScore +
		cfg.Weights.History*d.HistoryScore +
		cfg.Weights.Priority*d.PriorityScore)

	switch {
	case d.Score >= cfg.HighThreshold:
		d.Tier = models.TierHigh
		d.Reason = fmt.Sprintf("score %.2f at or above %.2f", d.Score, cfg.HighThreshold)
	case d.Score <= cfg.EconomyThreshold:
		d.Tier = models.TierEconomy
		d.Reason = fmt.Sprintf("score %.2f at or below %.2f", d.Score, cfg.EconomyThreshold)
	case headroom >= cfg.AmpleHeadroom:
		d.Tier = models.TierHigh
		d.Reason = fmt.Sprintf("middle band with ample headroom %.0f%%", headroom*100)
	default:
		d.Tier = models.TierEconomy
		d.Reason = "middle band resolved to economy tier"
	}
	return d
}

// Explain returns the decision RouteTask would make, for observability.
func (r *Router) Explain(ctx context.Context, req models.TaskResourceRequest, status models.BudgetStatus) models.RouteDecision {
	return r.RouteTask(ctx, req, status)
}

// RecordOutcome folds one execution result into the task type's moving
// average for the tier that ran it.
func (r *Router) RecordOutcome(ctx context.Context, taskType string, tier models.Tier, success bool) error {
	r.mu.Lock()
	alpha := r.cfg.Smoothing
	r.mu.Unlock()
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}

	hist := r.historyFor(ctx, taskType)
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	switch tier {
	case models.TierHigh:
		hist.High = (1-alpha)*hist.successRate(models.TierHigh) + alpha*outcome
		hist.HighSamples++
	default:
		hist.Economy = (1-alpha)*hist.successRate(models.TierEconomy) + alpha*outcome
		hist.EconomySamples++
	}

	r.mu.Lock()
	r.history[taskType] = hist
	r.mu.Unlock()

	raw, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := r.store.Set(ctx, historyKeyPrefix+taskType, raw, 0); err != nil {
		return fmt.Errorf("persist history for %s: %w", taskType, err)
	}

	r.log.Debug("outcome recorded",
		logger.String("task_type", taskType),
		logger.String("tier", string(tier)),
		logger.Bool("success", success))
	return nil
}

// historyFor reads through to the store the first time a task type shows
// up in this process.
func (r *Router) historyFor(ctx context.Context, taskType string) tierHistory {
	r.mu.Lock()
	hist, ok := r.history[taskType]
	r.mu.Unlock()
	if ok {
		return hist
	}

	if raw, found, err := r.store.Get(ctx, historyKeyPrefix+taskType); err == nil && found {
		if err := json.Unmarshal(raw, &hist); err == nil {
			r.mu.Lock()
			r.history[taskType] = hist
			r.mu.Unlock()
			return hist
		}
	}
	return tierHistory{}
}

// successRate returns the smoothed success rate for one tier, neutral 0.5
// until that tier has a sample.
func (h tierHistory) successRate(tier models.Tier) float64 {
	switch tier {
	case models.TierHigh:
		if h.HighSamples == 0 {
			return 0.5
		}
		return h.High
	default:
		if h.EconomySamples == 0 {
			return 0.5
		}
		return h.Economy
	}
}

// effectiveComplexity returns the declared 1-10 complexity, deriving one
// from the unit estimate when the caller left it out.
func effectiveComplexity(req models.TaskResourceRequest) float64 {
	if req.Complexity > 0 {
		return clamp(req.Complexity, 1, 10)
	}
	if req.EstimatedUnits <= 0 {
		return 1
	}
	// 1 unit -> 1, 10 -> 4, 100 -> 7, 1000 -> 10.
	return clamp(1+3*math.Log10(float64(req.EstimatedUnits)), 1, 10)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
