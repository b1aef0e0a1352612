// Package scheduler plans task graphs into dependency waves and drives
// each task through cache lookup, tier routing, budget admission and
// execution. Within a wave tasks run concurrently under a per-wave
// worker pool; a global weighted semaphore bounds in-flight executions
// across every project.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/audit"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/cache"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/router"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

const planKeyPrefix = "scheduler/plan/"

// Scheduler owns submitted projects and their task state. The governor,
// router and cache are consulted per attempt; the decision log may be
// nil.
type Scheduler struct {
	gov  *governor.Governor
	rtr  *router.Router
	cch  *cache.Manager
	exec Executor
	dec  *audit.Log
	st   store.Store
	log  *logger.Logger

	// global bounds concurrent executor calls across all projects. Its
	// size is fixed at construction, unlike the per-wave pool.
	global *semaphore.Weighted

	mu       sync.Mutex
	cfg      config.SchedulerConfig
	projects map[string]*project

	now func() time.Time
}

type project struct {
	mu         sync.Mutex
	id         string
	plan       models.ExecutionPlan
	tasks      map[string]*models.Task
	order      []string
	dependents map[string][]string
	started    bool
	startedAt  time.Time
	finishedAt time.Time
	cancelled  atomic.Bool
	cancel     context.CancelFunc
}

func New(gov *governor.Governor, rtr *router.Router, cch *cache.Manager, exec Executor, dec *audit.Log, st store.Store, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		gov:      gov,
		rtr:      rtr,
		cch:      cch,
		exec:     exec,
		dec:      dec,
		st:       st,
		log:      log,
		global:   semaphore.NewWeighted(cfg.GlobalConcurrency),
		cfg:      cfg,
		projects: make(map[string]*project),
		now:      time.Now,
	}
}

// SetTunables replaces the retry and concurrency settings used by
// subsequent waves. The global execution ceiling is not resized.
func (s *Scheduler) SetTunables(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Scheduler) config() config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Plan validates the task graph, registers the project and returns its
// wave assignment. The scheduler takes ownership of the submitted tasks.
// A project id can be re-planned as long as it is not mid-execution.
func (s *Scheduler) Plan(ctx context.Context, dag models.TaskDAG) (models.ExecutionPlan, error) {
	for _, t := range dag.Tasks {
		if t.ProjectID == "" {
			t.ProjectID = dag.ProjectID
		}
		t.Status = models.StatusPending
		t.StatusReason = ""
		t.Result = ""
		t.Retries = 0
	}

	plan, err := PlanDAG(dag, s.now())
	if err != nil {
		return models.ExecutionPlan{}, err
	}

	p := &project{
		id:         dag.ProjectID,
		plan:       plan,
		tasks:      make(map[string]*models.Task, len(dag.Tasks)),
		dependents: make(map[string][]string, len(dag.Tasks)),
	}
	for _, t := range dag.Tasks {
		p.tasks[t.ID] = t
		p.order = append(p.order, t.ID)
		for _, dep := range t.DependsOn {
			p.dependents[dep] = append(p.dependents[dep], t.ID)
		}
	}

	s.mu.Lock()
	if prev, ok := s.projects[dag.ProjectID]; ok && prev.active() {
		s.mu.Unlock()
		return models.ExecutionPlan{}, fmt.Errorf("project %q is still executing", dag.ProjectID)
	}
	s.projects[dag.ProjectID] = p
	s.mu.Unlock()

	if raw, err := json.Marshal(plan); err == nil {
		if err := s.st.Set(ctx, planKeyPrefix+dag.ProjectID, raw, 0); err != nil {
			s.log.Warn("persist execution plan", logger.String("project_id", dag.ProjectID), logger.Error(err))
		}
	}

	s.log.Info("project planned",
		logger.String("project_id", dag.ProjectID),
		logger.String("run_id", plan.RunID),
		logger.Int("tasks", len(dag.Tasks)),
		logger.Int("waves", len(plan.Waves)))
	return plan, nil
}

func (p *project) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.finishedAt.IsZero()
}

// Execute runs a planned project to completion, blocking until every
// task is terminal. The run outcome is read through Status; Execute
// itself only errors on an unknown or already-started project.
func (s *Scheduler) Execute(ctx context.Context, projectID string) error {
	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("execute %q: %w", projectID, models.ErrUnknownProject)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("project %q was already executed", projectID)
	}
	p.started = true
	p.startedAt = s.now()
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	s.log.Info("project execution started",
		logger.String("project_id", projectID),
		logger.String("run_id", p.plan.RunID))

	for _, wave := range p.plan.Waves {
		if runCtx.Err() != nil || p.cancelled.Load() {
			break
		}
		s.runWave(runCtx, p, wave)
	}

	p.mu.Lock()
	for _, t := range p.tasks {
		if !t.Status.Terminal() {
			t.Status = models.StatusCancelled
			t.StatusReason = "run cancelled"
		}
	}
	p.finishedAt = s.now()
	status := p.statusLocked(s.now())
	p.mu.Unlock()

	s.log.Info("project execution finished",
		logger.String("project_id", projectID),
		logger.String("run_id", p.plan.RunID),
		logger.Int("completed", status.Counts[models.StatusCompleted]),
		logger.Int("failed", status.Counts[models.StatusFailed]),
		logger.Int("blocked", status.Counts[models.StatusBlocked]),
		logger.Int("cancelled", status.Counts[models.StatusCancelled]),
		logger.Duration("elapsed", status.Elapsed))
	return nil
}

func (s *Scheduler) runWave(ctx context.Context, p *project, wave models.Wave) {
	cfg := s.config()
	workers := cfg.WaveConcurrency
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var g errgroup.Group
	for _, id := range wave.TaskIDs {
		p.mu.Lock()
		t := p.tasks[id]
		pending := t != nil && t.Status == models.StatusPending
		p.mu.Unlock()
		if !pending {
			continue
		}
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			defer func() { <-sem }()
			s.runTask(ctx, p, t, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

// runTask drives one task to a terminal status. Denied admission polls;
// failed attempts back off exponentially until the retry ceiling.
func (s *Scheduler) runTask(ctx context.Context, p *project, task *models.Task, cfg config.SchedulerConfig) {
	s.transition(p, task, models.StatusQueued, "")
	book := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil || p.cancelled.Load() {
			s.transition(p, task, models.StatusCancelled, "run cancelled")
			return
		}

		if s.completeFromCache(ctx, p, task, cfg) {
			return
		}

		alloc, err := s.admit(ctx, task, cfg)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if s.retryOrFail(ctx, p, task, cfg, fmt.Sprintf("admission unavailable: %v", err)) {
				return
			}
			continue
		}

		if !alloc.Allocated {
			if task.Deadline != nil && s.now().After(*task.Deadline) {
				s.failTask(p, task, fmt.Sprintf("%v while awaiting admission: %s", models.ErrDeadlineExceeded, alloc.Reason))
				return
			}
			s.transition(p, task, models.StatusQueued, "awaiting admission: "+alloc.Reason)
			sleepCtx(ctx, cfg.AdmitRetryDelay)
			continue
		}

		s.transition(p, task, models.StatusRunning, "tier "+string(alloc.Tier))
		res, execErr := s.execute(ctx, task, alloc.Tier, cfg)
		discarded := ctx.Err() != nil || p.cancelled.Load()

		if execErr != nil {
			// Nothing was consumed; hand the reservation back.
			if rerr := s.gov.ReleaseReservation(book, task.ID); rerr != nil {
				s.log.Warn("release reservation", logger.String("task_id", task.ID), logger.Error(rerr))
			}
			if discarded {
				s.transition(p, task, models.StatusCancelled, "run cancelled")
				return
			}
			if oerr := s.rtr.RecordOutcome(book, task.Type, alloc.Tier, false); oerr != nil {
				s.log.Warn("record outcome", logger.String("task_type", task.Type), logger.Error(oerr))
			}
			if s.retryOrFail(ctx, p, task, cfg, fmt.Sprintf("attempt failed: %v", execErr)) {
				return
			}
			continue
		}

		// The call completed, so its units are spent even if the run was
		// cancelled meanwhile.
		units := res.ActualUnits
		if units <= 0 {
			units = task.EstimatedUnits
		}
		if uerr := s.gov.RecordUsage(book, task.ID, alloc.Tier, units); uerr != nil {
			s.log.Warn("record usage", logger.String("task_id", task.ID), logger.Error(uerr))
		}
		if discarded {
			s.transition(p, task, models.StatusCancelled, "run cancelled")
			return
		}
		if oerr := s.rtr.RecordOutcome(book, task.Type, alloc.Tier, res.Success); oerr != nil {
			s.log.Warn("record outcome", logger.String("task_type", task.Type), logger.Error(oerr))
		}

		if !res.Success {
			if s.retryOrFail(ctx, p, task, cfg, "backend reported failure") {
				return
			}
			continue
		}

		s.finishTask(ctx, p, task, res, units, alloc.Tier, cfg)
		return
	}
}

// completeFromCache serves the task from a cache hit, skipping admission
// and spending nothing.
func (s *Scheduler) completeFromCache(ctx context.Context, p *project, task *models.Task, cfg config.SchedulerConfig) bool {
	if s.cch == nil {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	hit, ok := s.cch.Lookup(opCtx, task.Input, task.Type, task.ContextPrefix)
	if !ok {
		return false
	}
	p.mu.Lock()
	task.Result = hit.Response
	p.mu.Unlock()
	s.transition(p, task, models.StatusCompleted, fmt.Sprintf("cache hit (%s)", hit.Tier))
	s.log.Info("task served from cache",
		logger.String("project_id", p.id),
		logger.String("task_id", task.ID),
		logger.String("tier", string(hit.Tier)),
		logger.Int64("units_saved", hit.UnitsSaved))
	return true
}

// admit routes the task against the current budget and asks the governor
// for admission, recording the decision.
func (s *Scheduler) admit(ctx context.Context, task *models.Task, cfg config.SchedulerConfig) (models.ResourceAllocation, error) {
	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()

	req := task.ResourceRequest()
	status, err := s.gov.BudgetStatus(opCtx)
	if err != nil {
		return models.ResourceAllocation{}, fmt.Errorf("budget status: %w", err)
	}
	decision := s.rtr.RouteTask(opCtx, req, status)
	alloc, err := s.gov.RequestResources(opCtx, req, decision.Tier)
	if err != nil {
		return models.ResourceAllocation{}, fmt.Errorf("request resources: %w", err)
	}

	tier := alloc.Tier
	if tier == "" {
		tier = decision.Tier
	}
	if aerr := s.dec.Append(opCtx, models.DecisionRecord{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		TaskType:    task.Type,
		Tier:        tier,
		Allocated:   alloc.Allocated,
		Queued:      alloc.Queued,
		Reason:      alloc.Reason,
		Score:       decision.Score,
		Utilization: status.Utilization,
		Health:      status.Health,
	}); aerr != nil {
		s.log.Warn("append decision", logger.String("task_id", task.ID), logger.Error(aerr))
	}
	return alloc, nil
}

// execute holds a global slot for the duration of the backend call.
func (s *Scheduler) execute(ctx context.Context, task *models.Task, tier models.Tier, cfg config.SchedulerConfig) (ExecResult, error) {
	if err := s.global.Acquire(ctx, 1); err != nil {
		return ExecResult{}, fmt.Errorf("acquire execution slot: %w", err)
	}
	defer s.global.Release(1)

	execCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
	defer cancel()
	return s.exec.Execute(execCtx, task, tier)
}

func (s *Scheduler) finishTask(ctx context.Context, p *project, task *models.Task, res ExecResult, units int64, tier models.Tier, cfg config.SchedulerConfig) {
	if s.cch != nil {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.OpTimeout)
		s.cch.Store(opCtx, task.Input, res.Result, task.Type, units, task.ContextPrefix)
		cancel()
	}
	p.mu.Lock()
	task.Result = res.Result
	p.mu.Unlock()
	s.transition(p, task, models.StatusCompleted, "")
	s.log.Info("task completed",
		logger.String("project_id", p.id),
		logger.String("task_id", task.ID),
		logger.String("tier", string(tier)),
		logger.Int64("units", units),
		logger.Int("retries", task.Retries))
}

// retryOrFail counts a failed attempt. It reports true when the task is
// terminally failed, otherwise it backs off and leaves the task queued.
func (s *Scheduler) retryOrFail(ctx context.Context, p *project, task *models.Task, cfg config.SchedulerConfig, reason string) bool {
	p.mu.Lock()
	task.Retries++
	retries := task.Retries
	p.mu.Unlock()

	if retries > cfg.MaxRetries {
		s.failTask(p, task, fmt.Sprintf("%s (retry ceiling %d reached)", reason, cfg.MaxRetries))
		return true
	}

	delay := backoffDelay(cfg.RetryBaseDelay, cfg.RetryMaxDelay, retries)
	s.transition(p, task, models.StatusQueued, fmt.Sprintf("retry %d/%d: %s", retries, cfg.MaxRetries, reason))
	s.log.Warn("task attempt failed",
		logger.String("project_id", p.id),
		logger.String("task_id", task.ID),
		logger.Int("retry", retries),
		logger.Duration("backoff", delay),
		logger.String("reason", reason))
	sleepCtx(ctx, delay)
	return false
}

func (s *Scheduler) failTask(p *project, task *models.Task, reason string) {
	s.transition(p, task, models.StatusFailed, reason)
	s.log.Warn("task failed",
		logger.String("project_id", p.id),
		logger.String("task_id", task.ID),
		logger.String("reason", reason))

	p.mu.Lock()
	blocked := p.blockDependentsLocked(task.ID, nil)
	p.mu.Unlock()
	for _, id := range blocked {
		s.log.Info("task blocked",
			logger.String("project_id", p.id),
			logger.String("task_id", id))
	}
}

// blockDependentsLocked marks every direct and transitive dependent of
// id blocked. Callers hold p.mu.
func (p *project) blockDependentsLocked(id string, acc []string) []string {
	for _, dep := range p.dependents[id] {
		t := p.tasks[dep]
		if t.Status.Terminal() {
			continue
		}
		t.Status = models.StatusBlocked
		t.StatusReason = "dependency " + id + " failed"
		acc = append(acc, dep)
		acc = p.blockDependentsLocked(dep, acc)
	}
	return acc
}

// Cancel marks every waiting task cancelled and signals in-flight ones
// to stop. Results of calls already running are discarded on return.
func (s *Scheduler) Cancel(ctx context.Context, projectID string) error {
	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %q: %w", projectID, models.ErrUnknownProject)
	}

	p.cancelled.Store(true)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	n := 0
	for _, t := range p.tasks {
		if t.Status == models.StatusPending || t.Status == models.StatusQueued {
			t.Status = models.StatusCancelled
			t.StatusReason = "project cancelled"
			n++
		}
	}
	p.mu.Unlock()

	s.log.Info("project cancelled",
		logger.String("project_id", projectID),
		logger.Int("tasks_cancelled", n))
	return nil
}

// Status reports per-status counts and rates for one project.
func (s *Scheduler) Status(ctx context.Context, projectID string) (models.ProjectStatus, error) {
	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return models.ProjectStatus{}, fmt.Errorf("status %q: %w", projectID, models.ErrUnknownProject)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked(s.now()), nil
}

// Projects lists a status snapshot for every known project, ordered by
// project id.
func (s *Scheduler) Projects(ctx context.Context) []models.ProjectStatus {
	s.mu.Lock()
	ps := make([]*project, 0, len(s.projects))
	for _, p := range s.projects {
		ps = append(ps, p)
	}
	s.mu.Unlock()

	out := make([]models.ProjectStatus, 0, len(ps))
	for _, p := range ps {
		p.mu.Lock()
		out = append(out, p.statusLocked(s.now()))
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// ProjectTasks returns a copy of the project's tasks in submission order.
func (s *Scheduler) ProjectTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tasks %q: %w", projectID, models.ErrUnknownProject)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Task, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.tasks[id])
	}
	return out, nil
}

func (s *Scheduler) transition(p *project, task *models.Task, status models.TaskStatus, reason string) {
	p.mu.Lock()
	if task.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	task.Status = status
	task.StatusReason = reason
	p.mu.Unlock()

	s.log.Debug("task status",
		logger.String("project_id", p.id),
		logger.String("task_id", task.ID),
		logger.String("status", string(status)),
		logger.String("reason", reason))
}

func (p *project) statusLocked(now time.Time) models.ProjectStatus {
	st := models.ProjectStatus{
		ProjectID: p.id,
		Counts:    make(map[models.TaskStatus]int, 7),
		Total:     len(p.tasks),
	}
	for _, status := range []models.TaskStatus{
		models.StatusPending, models.StatusQueued, models.StatusRunning,
		models.StatusCompleted, models.StatusFailed, models.StatusBlocked, models.StatusCancelled,
	} {
		st.Counts[status] = 0
	}

	done := true
	for _, t := range p.tasks {
		st.Counts[t.Status]++
		if !t.Status.Terminal() {
			done = false
		}
	}
	st.Done = done

	completed := st.Counts[models.StatusCompleted]
	failed := st.Counts[models.StatusFailed]
	if st.Total > 0 {
		st.CompletionRate = float64(completed) / float64(st.Total)
	}
	if completed+failed > 0 {
		st.SuccessRate = float64(completed) / float64(completed+failed)
	}

	switch {
	case p.startedAt.IsZero():
	case p.finishedAt.IsZero():
		st.Elapsed = now.Sub(p.startedAt)
	default:
		st.Elapsed = p.finishedAt.Sub(p.startedAt)
	}
	return st
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoffDelay doubles the base delay per prior attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
