package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// Tool argument structs.

type projectDetailArgs struct {
	ProjectID string `json:"project_id"`
}

type explainArgs struct {
	TaskType       string  `json:"task_type"`
	EstimatedUnits int64   `json:"estimated_units"`
	Priority       int     `json:"priority"`
	Complexity     float64 `json:"complexity"`
	MandatoryHigh  bool    `json:"mandatory_high"`
}

type decisionsArgs struct {
	ProjectID string `json:"project_id"`
	TaskType  string `json:"task_type"`
	Since     string `json:"since"`
	Allocated *bool  `json:"allocated"`
	Limit     int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"apec_budget":         handleBudget,
	"apec_usage_metrics":  handleUsageMetrics,
	"apec_cache_stats":    handleCacheStats,
	"apec_projects":       handleProjects,
	"apec_project_detail": handleProjectDetail,
	"apec_route_explain":  handleRouteExplain,
	"apec_decisions":      handleDecisions,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "apec_budget",
		Description: "Show the current resource window: ceiling, units used, remaining headroom and health zone.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "apec_usage_metrics",
		Description: "Show consumption metrics: burn rate, tier split and cost efficiency across retained windows.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "apec_cache_stats",
		Description: "Show response cache statistics per tier (entries, hits, misses) and estimated units saved.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "apec_projects",
		Description: "List scheduled projects with task counts and completion rates.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "apec_project_detail",
		Description: "Show per-task status for one project, including retries and failure reasons.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"project_id"},
			"properties": map[string]any{
				"project_id": map[string]any{
					"type":        "string",
					"description": "The project ID to inspect",
				},
			},
		},
	},
	{
		Name:        "apec_route_explain",
		Description: "Preview which model tier a task would be routed to, with the weighted score breakdown.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"task_type", "estimated_units"},
			"properties": map[string]any{
				"task_type": map[string]any{
					"type":        "string",
					"description": "Task type the routing history is keyed by",
				},
				"estimated_units": map[string]any{
					"type":        "integer",
					"description": "Estimated resource units the task will consume",
				},
				"priority": map[string]any{
					"type":        "integer",
					"description": "Task priority 0-10 (optional)",
				},
				"complexity": map[string]any{
					"type":        "number",
					"description": "Task complexity 0-10 (optional, derived from units when omitted)",
				},
				"mandatory_high": map[string]any{
					"type":        "boolean",
					"description": "Force the high tier regardless of score (optional)",
				},
			},
		},
	},
	{
		Name:        "apec_decisions",
		Description: "Search the admission decision log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_id": map[string]any{
					"type":        "string",
					"description": "Filter by project (optional)",
				},
				"task_type": map[string]any{
					"type":        "string",
					"description": "Filter by task type (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"allocated": map[string]any{
					"type":        "boolean",
					"description": "Filter by admission outcome (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum records to return (optional, default 50)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleBudget(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.gov == nil {
		return textResult("Resource governor is not configured.")
	}
	status, err := s.gov.BudgetStatus(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudget(status))
}

func handleUsageMetrics(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.gov == nil {
		return textResult("Resource governor is not configured.")
	}
	metrics, err := s.gov.UsageMetrics(ctx)
	if err != nil {
		return errorResult("Error fetching usage metrics: " + err.Error())
	}
	return textResult(formatUsageMetrics(metrics))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cch == nil {
		return textResult("Cache is not configured.")
	}
	return textResult(formatCacheStats(s.cch.Metrics(ctx)))
}

func handleProjects(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.sch == nil {
		return textResult("Scheduler is not configured.")
	}
	return textResult(formatProjects(s.sch.Projects(ctx)))
}

func handleProjectDetail(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.sch == nil {
		return textResult("Scheduler is not configured.")
	}
	var args projectDetailArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProjectID == "" {
		return errorResult("project_id is required")
	}
	status, err := s.sch.Status(ctx, args.ProjectID)
	if err != nil {
		return errorResult("Error fetching project: " + err.Error())
	}
	tasks, err := s.sch.ProjectTasks(ctx, args.ProjectID)
	if err != nil {
		return errorResult("Error fetching project tasks: " + err.Error())
	}
	return textResult(formatProjectDetail(status, tasks))
}

func handleRouteExplain(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.rtr == nil || s.gov == nil {
		return textResult("Router is not configured.")
	}
	var args explainArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.TaskType == "" {
		return errorResult("task_type is required")
	}
	if args.EstimatedUnits <= 0 {
		return errorResult("estimated_units must be positive")
	}

	status, err := s.gov.BudgetStatus(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	decision := s.rtr.Explain(ctx, models.TaskResourceRequest{
		TaskID:         "probe",
		TaskType:       args.TaskType,
		EstimatedUnits: args.EstimatedUnits,
		Priority:       args.Priority,
		Complexity:     args.Complexity,
		MandatoryHigh:  args.MandatoryHigh,
	}, status)
	return textResult(formatDecision(decision, status))
}

func handleDecisions(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.dec == nil {
		return textResult("Decision log is not enabled.")
	}
	var args decisionsArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.DecisionQueryOpts{
		ProjectID: args.ProjectID,
		TaskType:  args.TaskType,
		Allocated: args.Allocated,
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	records, err := s.dec.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching decision log: " + err.Error())
	}
	return textResult(formatDecisions(records))
}
