package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// ExecResult reports one execution attempt. Success false with a nil
// error is a semantic failure: the backend ran, consumed ActualUnits and
// produced nothing usable. ActualUnits zero means the caller should fall
// back to the task's estimate.
type ExecResult struct {
	Result      string `json:"result"`
	ActualUnits int64  `json:"actual_units"`
	Success     bool   `json:"success"`
}

// Executor performs one task attempt on the given tier. Implementations
// must honor ctx cancellation; transport-level problems are returned as
// errors wrapping ErrExecutorFailure and are retried.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, tier models.Tier) (ExecResult, error)
}

// HTTPExecutor is the default Executor. It POSTs the task to a backend
// endpoint and decodes the attempt result from its JSON reply.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

func NewHTTPExecutor(cfg config.ExecutorConfig) *HTTPExecutor {
	return &HTTPExecutor{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type execRequest struct {
	TaskID        string      `json:"task_id"`
	ProjectID     string      `json:"project_id"`
	Type          string      `json:"type"`
	Input         string      `json:"input,omitempty"`
	ContextPrefix string      `json:"context_prefix,omitempty"`
	Tier          models.Tier `json:"tier"`
}

type execResponse struct {
	Result      string `json:"result"`
	ActualUnits int64  `json:"actual_units"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, task *models.Task, tier models.Tier) (ExecResult, error) {
	payload, err := json.Marshal(execRequest{
		TaskID:        task.ID,
		ProjectID:     task.ProjectID,
		Type:          task.Type,
		Input:         task.Input,
		ContextPrefix: task.ContextPrefix,
		Tier:          tier,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("encode executor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return ExecResult{}, fmt.Errorf("build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("call executor backend: %w: %v", models.ErrExecutorFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ExecResult{}, fmt.Errorf("executor backend returned %d: %s: %w", resp.StatusCode, bytes.TrimSpace(body), models.ErrExecutorFailure)
	}

	var out execResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResult{}, fmt.Errorf("decode executor response: %w: %v", models.ErrExecutorFailure, err)
	}
	return ExecResult{Result: out.Result, ActualUnits: out.ActualUnits, Success: out.Success}, nil
}
