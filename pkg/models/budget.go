package models

import "time"

// BudgetHealth classifies how much of the current window is spent.
type BudgetHealth string

const (
	HealthNormal    BudgetHealth = "normal"
	HealthThrottled BudgetHealth = "throttled"
	HealthCritical  BudgetHealth = "critical"
)

// Worse reports whether h is a strictly less healthy zone than other.
func (h BudgetHealth) Worse(other BudgetHealth) bool {
	return h.rank() > other.rank()
}

func (h BudgetHealth) rank() int {
	switch h {
	case HealthThrottled:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// BudgetStatus is a read-only snapshot of the current window. Computed on
// demand, never stored.
type BudgetStatus struct {
	WindowID    string       `json:"window_id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnds  time.Time    `json:"window_ends"`
	Ceiling     int64        `json:"ceiling"`
	Used        int64        `json:"used"`
	Remaining   int64        `json:"remaining"`
	Utilization float64      `json:"utilization"`
	Health      BudgetHealth `json:"health"`
	Throttled   bool         `json:"throttled"`
}

// UsageMetrics summarizes consumption across the current window and the
// retained history.
type UsageMetrics struct {
	WindowID        string  `json:"window_id"`
	UnitsPerHour    float64 `json:"units_per_hour"`
	HighShare       float64 `json:"high_share"`
	EconomyShare    float64 `json:"economy_share"`
	CostEfficiency  float64 `json:"cost_efficiency"`
	WindowsRetained int     `json:"windows_retained"`
	HistoryUnits    int64   `json:"history_units"`
}
