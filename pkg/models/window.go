package models

import "time"

// UsageWindow is one rolling accounting period. Exactly one window is
// current at any instant; closed windows are immutable and kept in a
// bounded history for trend reporting.
type UsageWindow struct {
	ID           string                 `json:"id"`
	StartedAt    time.Time              `json:"started_at"`
	Duration     time.Duration          `json:"duration"`
	Ceiling      int64                  `json:"ceiling"`
	HighUnits    int64                  `json:"high_units"`
	EconomyUnits int64                  `json:"economy_units"`
	Reservations map[string]Reservation `json:"reservations,omitempty"`
}

// Reservation is a provisional charge against a window, held between
// admission and usage reconciliation.
type Reservation struct {
	TaskID    string    `json:"task_id"`
	Tier      Tier      `json:"tier"`
	Units     int64     `json:"units"`
	CreatedAt time.Time `json:"created_at"`
}

// EndsAt returns the instant the window closes.
func (w UsageWindow) EndsAt() time.Time {
	return w.StartedAt.Add(w.Duration)
}

// Expired reports whether the window has run its full duration at now.
func (w UsageWindow) Expired(now time.Time) bool {
	return !now.Before(w.EndsAt())
}

// Used returns total units consumed or reserved across both tiers.
func (w UsageWindow) Used() int64 {
	return w.HighUnits + w.EconomyUnits
}

// Remaining returns unconsumed units, never negative.
func (w UsageWindow) Remaining() int64 {
	if r := w.Ceiling - w.Used(); r > 0 {
		return r
	}
	return 0
}

// Utilization returns consumed units as a fraction of the ceiling.
func (w UsageWindow) Utilization() float64 {
	if w.Ceiling <= 0 {
		return 0
	}
	return float64(w.Used()) / float64(w.Ceiling)
}
