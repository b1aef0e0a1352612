package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

type fakeGov struct {
	status  models.BudgetStatus
	metrics models.UsageMetrics
}

func (f *fakeGov) BudgetStatus(_ context.Context) (models.BudgetStatus, error) {
	return f.status, nil
}

func (f *fakeGov) UsageMetrics(_ context.Context) (models.UsageMetrics, error) {
	return f.metrics, nil
}

type fakeRouter struct {
	decision models.RouteDecision
}

func (f *fakeRouter) Explain(_ context.Context, _ models.TaskResourceRequest, _ models.BudgetStatus) models.RouteDecision {
	return f.decision
}

type fakeCache struct {
	stats models.CacheStats
}

func (f *fakeCache) Metrics(_ context.Context) models.CacheStats { return f.stats }

type fakeProjects struct {
	projects []models.ProjectStatus
	tasks    []models.Task
}

func (f *fakeProjects) Projects(_ context.Context) []models.ProjectStatus { return f.projects }

func (f *fakeProjects) Status(_ context.Context, projectID string) (models.ProjectStatus, error) {
	for _, p := range f.projects {
		if p.ProjectID == projectID {
			return p, nil
		}
	}
	return models.ProjectStatus{}, models.ErrUnknownProject
}

func (f *fakeProjects) ProjectTasks(_ context.Context, _ string) ([]models.Task, error) {
	return f.tasks, nil
}

type fakeDecisions struct {
	records []models.DecisionRecord
	gotOpts models.DecisionQueryOpts
}

func (f *fakeDecisions) Query(_ context.Context, opts models.DecisionQueryOpts) ([]models.DecisionRecord, error) {
	f.gotOpts = opts
	return f.records, nil
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, arguments string) ToolCallResult {
	t.Helper()
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(arguments)})
	if err != nil {
		t.Fatal(err)
	}
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "apec" {
		t.Errorf("server name = %s, want apec", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != 7 {
		t.Errorf("got %d tools, want 7", len(result.Tools))
	}

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	want := []string{
		"apec_budget", "apec_usage_metrics", "apec_cache_stats",
		"apec_projects", "apec_project_detail", "apec_route_explain", "apec_decisions",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing tool: %s", name)
		}
	}
}

func TestToolCallBudget(t *testing.T) {
	gov := &fakeGov{status: models.BudgetStatus{
		WindowID:    "w1",
		Ceiling:     1000,
		Used:        250,
		Remaining:   750,
		Utilization: 0.25,
		Health:      models.HealthNormal,
	}}
	srv := New(gov, nil, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_budget", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "normal") || !strings.Contains(text, "25.0%") {
		t.Errorf("unexpected budget output: %s", text)
	}
}

func TestToolCallUsageMetrics(t *testing.T) {
	gov := &fakeGov{metrics: models.UsageMetrics{
		WindowID:     "w1",
		UnitsPerHour: 120.5,
		HighShare:    0.4,
		EconomyShare: 0.6,
	}}
	srv := New(gov, nil, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_usage_metrics", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "120.5") || !strings.Contains(text, "40.0%") {
		t.Errorf("unexpected metrics output: %s", text)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	cch := &fakeCache{stats: models.CacheStats{
		Tiers: []models.TierStats{
			{Tier: models.CacheTierL2, Entries: 42, Hits: 10, Misses: 5},
		},
		Hits:       10,
		Misses:     5,
		HitRate:    0.667,
		UnitsSaved: 300,
	}}
	srv := New(nil, nil, cch, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_cache_stats", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestToolCallCacheNotConfigured(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_cache_stats", `{}`)
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestToolCallProjects(t *testing.T) {
	sch := &fakeProjects{projects: []models.ProjectStatus{
		{
			ProjectID:      "proj-1",
			Total:          3,
			Counts:         map[models.TaskStatus]int{models.StatusCompleted: 3},
			CompletionRate: 1,
			SuccessRate:    1,
			Done:           true,
		},
	}}
	srv := New(nil, nil, nil, sch, nil, "test", nil)

	result := callTool(t, srv, "apec_projects", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "proj-1") || !strings.Contains(text, "done") {
		t.Errorf("unexpected projects output: %s", text)
	}
}

func TestToolCallProjectDetail(t *testing.T) {
	sch := &fakeProjects{
		projects: []models.ProjectStatus{{ProjectID: "proj-1", Total: 1}},
		tasks: []models.Task{
			{ID: "extract", Status: models.StatusFailed, Retries: 3, StatusReason: "retry ceiling 3 reached"},
		},
	}
	srv := New(nil, nil, nil, sch, nil, "test", nil)

	result := callTool(t, srv, "apec_project_detail", `{"project_id":"proj-1"}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "extract") || !strings.Contains(text, "failed") {
		t.Errorf("unexpected detail output: %s", text)
	}
}

func TestToolCallProjectDetailMissingID(t *testing.T) {
	srv := New(nil, nil, nil, &fakeProjects{}, nil, "test", nil)

	result := callTool(t, srv, "apec_project_detail", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing project_id")
	}
}

func TestToolCallRouteExplain(t *testing.T) {
	gov := &fakeGov{status: models.BudgetStatus{Health: models.HealthNormal}}
	rtr := &fakeRouter{decision: models.RouteDecision{
		TaskType: "analysis",
		Tier:     models.TierHigh,
		Score:    8.5,
		Reason:   "score 8.50 at or above 6.50",
		Weights:  models.RouteWeights{Complexity: 0.4, Headroom: 0.3, History: 0.2, Priority: 0.1},
	}}
	srv := New(gov, rtr, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_route_explain", `{"task_type":"analysis","estimated_units":50,"priority":9}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "high") || !strings.Contains(text, "8.50") {
		t.Errorf("unexpected explain output: %s", text)
	}
}

func TestToolCallRouteExplainMissingType(t *testing.T) {
	gov := &fakeGov{}
	srv := New(gov, &fakeRouter{}, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_route_explain", `{"estimated_units":50}`)
	if !result.IsError {
		t.Error("expected isError=true for missing task_type")
	}
}

func TestToolCallDecisions(t *testing.T) {
	dec := &fakeDecisions{records: []models.DecisionRecord{
		{
			TaskID:    "t1",
			TaskType:  "analysis",
			Tier:      models.TierHigh,
			Allocated: true,
			Reason:    "admitted on recommended tier",
			CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
	srv := New(nil, nil, nil, nil, dec, "test", nil)

	result := callTool(t, srv, "apec_decisions", `{"task_type":"analysis"}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "t1") || !strings.Contains(text, "admitted") {
		t.Errorf("unexpected decisions output: %s", text)
	}
	if dec.gotOpts.Limit != 50 {
		t.Errorf("default limit = %d, want 50", dec.gotOpts.Limit)
	}
	if dec.gotOpts.TaskType != "analysis" {
		t.Errorf("task type filter = %q", dec.gotOpts.TaskType)
	}
}

func TestToolCallDecisionsNotEnabled(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_decisions", `{}`)
	if !strings.Contains(result.Content[0].Text, "not enabled") {
		t.Errorf("expected 'not enabled', got: %s", result.Content[0].Text)
	}
}

func TestToolCallDecisionsBadSince(t *testing.T) {
	srv := New(nil, nil, nil, nil, &fakeDecisions{}, "test", nil)

	result := callTool(t, srv, "apec_decisions", `{"since":"June 1st"}`)
	if !result.IsError {
		t.Error("expected isError=true for malformed since date")
	}
}

func TestToolCallUnknownTool(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)

	result := callTool(t, srv, "apec_nonsense", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(nil, nil, nil, nil, nil, "test", nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
