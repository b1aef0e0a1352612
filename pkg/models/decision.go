package models

import "time"

// RouteWeights are the component weights of the routing score. They must
// sum to 1.0.
type RouteWeights struct {
	Complexity float64 `json:"complexity" yaml:"complexity"`
	Headroom   float64 `json:"headroom" yaml:"headroom"`
	History    float64 `json:"history" yaml:"history"`
	Priority   float64 `json:"priority" yaml:"priority"`
}

// RouteDecision is a tier recommendation together with the component
// scores that produced it. Returning it never changes router state.
type RouteDecision struct {
	TaskID          string       `json:"task_id"`
	TaskType        string       `json:"task_type"`
	Tier            Tier         `json:"tier"`
	Score           float64      `json:"score"`
	ComplexityScore float64      `json:"complexity_score"`
	HeadroomScore   float64      `json:"headroom_score"`
	HistoryScore    float64      `json:"history_score"`
	PriorityScore   float64      `json:"priority_score"`
	Weights         RouteWeights `json:"weights"`
	Mandatory       bool         `json:"mandatory"`
	Reason          string       `json:"reason"`
}

// DecisionRecord is one admission decision as persisted to the decision
// log.
type DecisionRecord struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	ProjectID   string       `json:"project_id"`
	TaskType    string       `json:"task_type"`
	Tier        Tier         `json:"tier"`
	Allocated   bool         `json:"allocated"`
	Queued      bool         `json:"queued"`
	Reason      string       `json:"reason"`
	Score       float64      `json:"score"`
	Utilization float64      `json:"utilization"`
	Health      BudgetHealth `json:"health"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DecisionQueryOpts filters decision log queries. Zero values mean no
// filter; Allocated nil matches both outcomes.
type DecisionQueryOpts struct {
	ProjectID string
	TaskType  string
	Allocated *bool
	Since     time.Time
	Limit     int
}

// DecisionStat is an aggregate count of decisions per day and tier.
type DecisionStat struct {
	Day      string `json:"day"`
	Tier     Tier   `json:"tier"`
	Count    int64  `json:"count"`
	Admitted int64  `json:"admitted"`
}
