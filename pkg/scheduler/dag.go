package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// PlanDAG validates a task graph and assigns every task to a wave. Wave
// zero holds the tasks with no dependencies; each later wave holds tasks
// whose dependencies all sit in earlier waves. Within a wave, tasks are
// ordered by effective priority so the most urgent work claims workers
// first. On any validation failure no plan is produced.
func PlanDAG(dag models.TaskDAG, now time.Time) (models.ExecutionPlan, error) {
	if len(dag.Tasks) == 0 {
		return models.ExecutionPlan{}, fmt.Errorf("project %q has no tasks", dag.ProjectID)
	}

	tasks := make(map[string]*models.Task, len(dag.Tasks))
	for _, t := range dag.Tasks {
		if t.ID == "" {
			return models.ExecutionPlan{}, fmt.Errorf("project %q has a task with no id", dag.ProjectID)
		}
		if _, dup := tasks[t.ID]; dup {
			return models.ExecutionPlan{}, fmt.Errorf("duplicate task id %q", t.ID)
		}
		tasks[t.ID] = t
	}
	for _, t := range dag.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return models.ExecutionPlan{}, fmt.Errorf("task %q depends on %q: %w", t.ID, dep, models.ErrUnknownDependency)
			}
		}
	}
	if cycle := findCycle(tasks); cycle != nil {
		return models.ExecutionPlan{}, fmt.Errorf("%s: %w", strings.Join(cycle, " -> "), models.ErrCyclicDependency)
	}

	plan := models.ExecutionPlan{
		ProjectID: dag.ProjectID,
		RunID:     uuid.New().String()[:8],
		CreatedAt: now.UTC(),
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	var current []string
	for id, t := range tasks {
		indegree[id] = len(t.DependsOn)
		if len(t.DependsOn) == 0 {
			current = append(current, id)
		}
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	for len(current) > 0 {
		sortWave(current, tasks, now)
		plan.Waves = append(plan.Waves, models.Wave{Index: len(plan.Waves), TaskIDs: current})

		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}
	return plan, nil
}

// sortWave orders one wave by effective priority, highest first. Ties
// break on task id so plans are reproducible.
func sortWave(ids []string, tasks map[string]*models.Task, now time.Time) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := effectivePriority(tasks[ids[i]], now), effectivePriority(tasks[ids[j]], now)
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

// effectivePriority is the declared priority plus a deadline-urgency
// bonus, minus half a point per retry so repeat offenders yield to fresh
// work.
func effectivePriority(t *models.Task, now time.Time) float64 {
	score := float64(t.Priority)
	if t.Deadline != nil {
		switch until := t.Deadline.Sub(now); {
		case until <= 0:
			score += 4
		case until < time.Hour:
			score += 3
		case until < 6*time.Hour:
			score += 2
		case until < 24*time.Hour:
			score += 1
		}
	}
	return score - 0.5*float64(t.Retries)
}

// findCycle runs a colored depth-first search over the dependency edges
// and returns one cycle as an id path, or nil when the graph is acyclic.
func findCycle(tasks map[string]*models.Task) []string {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(tasks))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, dep := range tasks[id].DependsOn {
			switch color[dep] {
			case grey:
				for i, v := range path {
					if v == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
