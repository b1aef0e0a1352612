package models

import "time"

// Tier identifies one of the two backend capability levels. The high tier
// costs roughly five times the economy tier per unit.
type Tier string

const (
	TierHigh    Tier = "high"
	TierEconomy Tier = "economy"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierHigh || t == TierEconomy
}

// TaskResourceRequest asks the governor to admit one task against the
// current window. Complexity is an optional 1-10 declaration; zero means
// derive it from EstimatedUnits.
type TaskResourceRequest struct {
	TaskID         string     `json:"task_id"`
	ProjectID      string     `json:"project_id"`
	TaskType       string     `json:"task_type"`
	EstimatedUnits int64      `json:"estimated_units"`
	Priority       int        `json:"priority"`
	Complexity     float64    `json:"complexity,omitempty"`
	MandatoryHigh  bool       `json:"mandatory_high,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// ResourceAllocation is the governor's answer. Allocated false is a normal
// outcome, not an error; Queued marks a mandatory high-tier request held
// back during throttling rather than rejected.
type ResourceAllocation struct {
	TaskID     string     `json:"task_id"`
	Allocated  bool       `json:"allocated"`
	Tier       Tier       `json:"tier,omitempty"`
	Queued     bool       `json:"queued,omitempty"`
	Reason     string     `json:"reason"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}
