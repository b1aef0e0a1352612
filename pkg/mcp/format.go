package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// formatBudget formats the current window snapshot as text.
func formatBudget(s models.BudgetStatus) string {
	return fmt.Sprintf("Resource Window %s\n"+
		"  Zone:      %s\n"+
		"  Ceiling:   %d units\n"+
		"  Used:      %d units (%.1f%%)\n"+
		"  Remaining: %d units\n"+
		"  Ends:      %s\n",
		s.WindowID, s.Health, s.Ceiling, s.Used, s.Utilization*100,
		s.Remaining, s.WindowEnds.UTC().Format("2006-01-02 15:04:05"))
}

// formatUsageMetrics formats consumption metrics as text.
func formatUsageMetrics(m models.UsageMetrics) string {
	return fmt.Sprintf("Usage Metrics (window %s)\n"+
		"  Burn rate:       %.1f units/hour\n"+
		"  High tier:       %.1f%%\n"+
		"  Economy tier:    %.1f%%\n"+
		"  Cost efficiency: %.2f\n"+
		"  History:         %d windows, %d units\n",
		m.WindowID, m.UnitsPerHour, m.HighShare*100, m.EconomyShare*100,
		m.CostEfficiency, m.WindowsRetained, m.HistoryUnits)
}

// formatCacheStats formats cache statistics as text with a per-tier table.
func formatCacheStats(stats models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cache Statistics\n"+
		"  Hits:        %d\n"+
		"  Misses:      %d\n"+
		"  Hit Rate:    %.1f%%\n"+
		"  Units Saved: %d\n",
		stats.Hits, stats.Misses, stats.HitRate*100, stats.UnitsSaved)
	if len(stats.Tiers) == 0 {
		return b.String()
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-6s %8s %8s %8s\n", "Tier", "Entries", "Hits", "Misses")
	b.WriteString(strings.Repeat("-", 33) + "\n")
	for _, t := range stats.Tiers {
		fmt.Fprintf(&b, "%-6s %8d %8d %8d\n", t.Tier, t.Entries, t.Hits, t.Misses)
	}
	return b.String()
}

// formatProjects formats project summaries as a text table.
func formatProjects(projects []models.ProjectStatus) string {
	if len(projects) == 0 {
		return "No projects scheduled."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %6s %10s %7s %8s %9s %9s %-8s\n",
		"Project", "Tasks", "Completed", "Failed", "Blocked", "Complete", "Success", "State")
	b.WriteString(strings.Repeat("-", 88) + "\n")
	for _, p := range projects {
		state := "running"
		if p.Done {
			state = "done"
		}
		fmt.Fprintf(&b, "%-24s %6d %10d %7d %8d %8.0f%% %8.0f%% %-8s\n",
			truncate(p.ProjectID, 24), p.Total,
			p.Counts[models.StatusCompleted], p.Counts[models.StatusFailed], p.Counts[models.StatusBlocked],
			p.CompletionRate*100, p.SuccessRate*100, state)
	}
	return b.String()
}

// formatProjectDetail formats one project's tasks as a text table.
func formatProjectDetail(status models.ProjectStatus, tasks []models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %s: %d tasks, %.0f%% complete, %.0f%% success, elapsed %s\n\n",
		status.ProjectID, status.Total, status.CompletionRate*100, status.SuccessRate*100,
		status.Elapsed.Round(time.Second))

	if len(tasks) == 0 {
		b.WriteString("No tasks.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%-20s %-10s %4s %6s %8s %-40s\n",
		"Task", "Status", "Pri", "Units", "Retries", "Reason")
	b.WriteString(strings.Repeat("-", 93) + "\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "%-20s %-10s %4d %6d %8d %-40s\n",
			truncate(t.ID, 20), t.Status, t.Priority, t.EstimatedUnits, t.Retries,
			truncate(t.StatusReason, 40))
	}
	return b.String()
}

// formatDecision formats a routing preview with its score breakdown.
func formatDecision(d models.RouteDecision, status models.BudgetStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Routing decision for task type %q\n\n", d.TaskType)
	fmt.Fprintf(&b, "  Tier:   %s\n", d.Tier)
	fmt.Fprintf(&b, "  Reason: %s\n", d.Reason)
	if d.Mandatory {
		fmt.Fprintf(&b, "\n  Window health: %s (%.1f%% used)\n", status.Health, status.Utilization*100)
		return b.String()
	}
	fmt.Fprintf(&b, "  Score:  %.2f / 10\n\n", d.Score)

	fmt.Fprintf(&b, "  %-12s %6s %7s\n", "Component", "Score", "Weight")
	b.WriteString("  " + strings.Repeat("-", 27) + "\n")
	fmt.Fprintf(&b, "  %-12s %6.2f %7.2f\n", "complexity", d.ComplexityScore, d.Weights.Complexity)
	fmt.Fprintf(&b, "  %-12s %6.2f %7.2f\n", "headroom", d.HeadroomScore, d.Weights.Headroom)
	fmt.Fprintf(&b, "  %-12s %6.2f %7.2f\n", "history", d.HistoryScore, d.Weights.History)
	fmt.Fprintf(&b, "  %-12s %6.2f %7.2f\n", "priority", d.PriorityScore, d.Weights.Priority)

	fmt.Fprintf(&b, "\n  Window health: %s (%.1f%% used)\n", status.Health, status.Utilization*100)
	return b.String()
}

// formatDecisions formats decision records as a text table.
func formatDecisions(records []models.DecisionRecord) string {
	if len(records) == 0 {
		return "No decisions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-14s %-8s %-8s %-36s\n",
		"Time", "Task", "Type", "Tier", "Outcome", "Reason")
	b.WriteString(strings.Repeat("-", 106) + "\n")
	for _, r := range records {
		outcome := "denied"
		switch {
		case r.Allocated:
			outcome = "admitted"
		case r.Queued:
			outcome = "queued"
		}
		fmt.Fprintf(&b, "%-20s %-16s %-14s %-8s %-8s %-36s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			truncate(r.TaskID, 16), truncate(r.TaskType, 14), r.Tier, outcome,
			truncate(r.Reason, 36))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
