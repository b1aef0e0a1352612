package models

import "time"

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusBlocked   TaskStatus = "blocked"
	StatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Task is one schedulable unit of work. Input is an opaque payload handed
// to the executor; Type tags both the executor kind and the cache
// isolation boundary. Only the scheduler mutates a task once submitted.
type Task struct {
	ID             string     `json:"id" yaml:"id"`
	ProjectID      string     `json:"project_id" yaml:"project_id"`
	Name           string     `json:"name" yaml:"name"`
	Type           string     `json:"type" yaml:"type"`
	Input          string     `json:"input,omitempty" yaml:"input,omitempty"`
	ContextPrefix  string     `json:"context_prefix,omitempty" yaml:"context_prefix,omitempty"`
	EstimatedUnits int64      `json:"estimated_units" yaml:"estimated_units"`
	Priority       int        `json:"priority" yaml:"priority"`
	Complexity     float64    `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	MandatoryHigh  bool       `json:"mandatory_high,omitempty" yaml:"mandatory_high,omitempty"`
	DependsOn      []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	Status         TaskStatus `json:"status" yaml:"-"`
	StatusReason   string     `json:"status_reason,omitempty" yaml:"-"`
	Result         string     `json:"result,omitempty" yaml:"-"`
	Retries        int        `json:"retries" yaml:"-"`
}

// ResourceRequest builds the admission request for this task.
func (t *Task) ResourceRequest() TaskResourceRequest {
	return TaskResourceRequest{
		TaskID:         t.ID,
		ProjectID:      t.ProjectID,
		TaskType:       t.Type,
		EstimatedUnits: t.EstimatedUnits,
		Priority:       t.Priority,
		Complexity:     t.Complexity,
		MandatoryHigh:  t.MandatoryHigh,
		Deadline:       t.Deadline,
	}
}

// TaskDAG is a project's tasks plus the dependency edges declared on them.
// The edge set must be acyclic; submission rejects it otherwise.
type TaskDAG struct {
	ProjectID string  `json:"project_id" yaml:"project_id"`
	Tasks     []*Task `json:"tasks" yaml:"tasks"`
}

// Wave is one topological group: tasks whose dependencies are all in
// earlier waves, eligible to run concurrently.
type Wave struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

// ExecutionPlan is the wave assignment produced for a valid DAG.
type ExecutionPlan struct {
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id"`
	Waves     []Wave    `json:"waves"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectStatus reports per-status counts and rates for one project.
// Failed, blocked and cancelled are always distinct counts.
type ProjectStatus struct {
	ProjectID      string             `json:"project_id"`
	Counts         map[TaskStatus]int `json:"counts"`
	Total          int                `json:"total"`
	CompletionRate float64            `json:"completion_rate"`
	SuccessRate    float64            `json:"success_rate"`
	Elapsed        time.Duration      `json:"elapsed"`
	Done           bool               `json:"done"`
}
