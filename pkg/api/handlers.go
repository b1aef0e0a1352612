package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	status, err := s.gov.BudgetStatus(r.Context())
	if err != nil {
		s.internalError(w, "budget status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBudgetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.gov.UsageMetrics(r.Context())
	if err != nil {
		s.internalError(w, "usage metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.gov.History(r.Context())
	if err != nil {
		s.internalError(w, "window history", err)
		return
	}
	if history == nil {
		history = []models.UsageWindow{}
	}
	writeJSON(w, http.StatusOK, history)
}

// allocateResponse pairs the admission outcome with the routing decision
// that drove it.
type allocateResponse struct {
	Allocation models.ResourceAllocation `json:"allocation"`
	Decision   models.RouteDecision      `json:"decision"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req models.TaskResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeJSONError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.EstimatedUnits <= 0 {
		writeJSONError(w, http.StatusBadRequest, "estimated_units must be positive")
		return
	}

	ctx := r.Context()
	status, err := s.gov.BudgetStatus(ctx)
	if err != nil {
		s.internalError(w, "budget status", err)
		return
	}
	decision := s.rtr.RouteTask(ctx, req, status)
	alloc, err := s.gov.RequestResources(ctx, req, decision.Tier)
	if err != nil {
		s.internalError(w, "request resources", err)
		return
	}

	tier := alloc.Tier
	if tier == "" {
		tier = decision.Tier
	}
	if err := s.dec.Append(ctx, models.DecisionRecord{
		TaskID:      req.TaskID,
		ProjectID:   req.ProjectID,
		TaskType:    req.TaskType,
		Tier:        tier,
		Allocated:   alloc.Allocated,
		Queued:      alloc.Queued,
		Reason:      alloc.Reason,
		Score:       decision.Score,
		Utilization: status.Utilization,
		Health:      status.Health,
	}); err != nil {
		s.log.Warn("append decision", logger.Error(err))
	}

	writeJSON(w, http.StatusOK, allocateResponse{Allocation: alloc, Decision: decision})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.gov.ReleaseReservation(r.Context(), taskID); err != nil {
		s.internalError(w, "release reservation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usageRequest struct {
	TaskID      string      `json:"task_id"`
	Tier        models.Tier `json:"tier"`
	ActualUnits int64       `json:"actual_units"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeJSONError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.ActualUnits < 0 {
		writeJSONError(w, http.StatusBadRequest, "actual_units must not be negative")
		return
	}

	if err := s.gov.RecordUsage(r.Context(), req.TaskID, req.Tier, req.ActualUnits); err != nil {
		s.internalError(w, "record usage", err)
		return
	}
	status, err := s.gov.BudgetStatus(r.Context())
	if err != nil {
		s.internalError(w, "budget status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type cacheLookupRequest struct {
	Input         string `json:"input"`
	TaskType      string `json:"task_type"`
	ContextPrefix string `json:"context_prefix,omitempty"`
}

type cacheLookupResponse struct {
	Found bool             `json:"found"`
	Hit   *models.CacheHit `json:"hit,omitempty"`
}

func (s *Server) handleCacheLookup(w http.ResponseWriter, r *http.Request) {
	var req cacheLookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hit, ok := s.cch.Lookup(r.Context(), req.Input, req.TaskType, req.ContextPrefix)
	resp := cacheLookupResponse{Found: ok}
	if ok {
		resp.Hit = &hit
	}
	writeJSON(w, http.StatusOK, resp)
}

type cacheStoreRequest struct {
	Input          string `json:"input"`
	Response       string `json:"response"`
	TaskType       string `json:"task_type"`
	ContextPrefix  string `json:"context_prefix,omitempty"`
	EstimatedUnits int64  `json:"estimated_units"`
}

func (s *Server) handleCacheStore(w http.ResponseWriter, r *http.Request) {
	var req cacheStoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Input == "" || req.TaskType == "" {
		writeJSONError(w, http.StatusBadRequest, "input and task_type are required")
		return
	}
	tiers := s.cch.Store(r.Context(), req.Input, req.Response, req.TaskType, req.EstimatedUnits, req.ContextPrefix)
	if tiers == nil {
		tiers = []models.CacheTier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": tiers})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType string `json:"task_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.cch.Invalidate(r.Context(), req.TaskType)
	if err != nil {
		s.internalError(w, "invalidate cache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cch.Metrics(r.Context()))
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.sch.Projects(r.Context())
	if projects == nil {
		projects = []models.ProjectStatus{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleSubmitProject(w http.ResponseWriter, r *http.Request) {
	var dag models.TaskDAG
	if !decodeJSON(w, r, &dag) {
		return
	}
	if dag.ProjectID == "" {
		writeJSONError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	plan, err := s.sch.Plan(r.Context(), dag)
	if err != nil {
		if errors.Is(err, models.ErrCyclicDependency) || errors.Is(err, models.ErrUnknownDependency) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// projectResponse is the status summary plus the task detail.
type projectResponse struct {
	Status models.ProjectStatus `json:"status"`
	Tasks  []models.Task        `json:"tasks"`
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.sch.Status(r.Context(), id)
	if err != nil {
		s.projectError(w, err)
		return
	}
	tasks, err := s.sch.ProjectTasks(r.Context(), id)
	if err != nil {
		s.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Status: status, Tasks: tasks})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sch.Status(r.Context(), id); err != nil {
		s.projectError(w, err)
		return
	}

	// Execution outlives the request; progress is read through
	// GET /v1/projects/{id}.
	go func() {
		if err := s.sch.Execute(context.Background(), id); err != nil {
			s.log.Warn("project execution", logger.String("project_id", id), logger.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"project_id": id, "state": "executing"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sch.Cancel(r.Context(), id); err != nil {
		s.projectError(w, err)
		return
	}
	status, err := s.sch.Status(r.Context(), id)
	if err != nil {
		s.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req models.TaskResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := s.gov.BudgetStatus(r.Context())
	if err != nil {
		s.internalError(w, "budget status", err)
		return
	}
	writeJSON(w, http.StatusOK, s.rtr.Explain(r.Context(), req, status))
}

func (s *Server) projectError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrUnknownProject) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.internalError(w, "project lookup", err)
}
