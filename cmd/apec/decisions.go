package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/audit"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/spf13/cobra"
)

func newDecisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Query and manage the admission decision log",
	}

	cmd.AddCommand(
		newDecisionsSearchCmd(),
		newDecisionsStatsCmd(),
		newDecisionsCleanupCmd(),
	)
	return cmd
}

func newDecisionsSearchCmd() *cobra.Command {
	var (
		configPath string
		project    string
		taskType   string
		since      string
		allocated  bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search decision records",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openDecisionLog(configPath)
			if err != nil {
				return err
			}
			if l == nil {
				fmt.Println("Decision log is disabled.")
				return nil
			}
			defer cleanup()

			opts := models.DecisionQueryOpts{
				ProjectID: project,
				TaskType:  taskType,
				Limit:     limit,
			}
			if cmd.Flags().Changed("allocated") {
				opts.Allocated = &allocated
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			records, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatDecisionRecords(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&project, "project", "", "filter by project ID")
	cmd.Flags().StringVar(&taskType, "task-type", "", "filter by task type")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&allocated, "allocated", false, "filter by admission outcome")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to return")

	return cmd
}

func newDecisionsStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show decision counts by day and tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openDecisionLog(configPath)
			if err != nil {
				return err
			}
			if l == nil {
				fmt.Println("Decision log is disabled.")
				return nil
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatDecisionStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newDecisionsCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete decision records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openDecisionLog(configPath)
			if err != nil {
				return err
			}
			if l == nil {
				fmt.Println("Decision log is disabled.")
				return nil
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d decision records.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func openDecisionLog(configPath string) (*audit.Log, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.Open(cfg.Decisions)
	if err != nil {
		return nil, nil, fmt.Errorf("open decision log: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatDecisionRecords(records []models.DecisionRecord) string {
	if len(records) == 0 {
		return "No decision records found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-16s %-14s %-8s %-8s %-36s\n",
		"TIME", "TASK", "PROJECT", "TYPE", "TIER", "OUTCOME", "REASON")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, r := range records {
		outcome := "denied"
		switch {
		case r.Allocated:
			outcome = "admitted"
		case r.Queued:
			outcome = "queued"
		}
		reason := r.Reason
		if len(reason) > 36 {
			reason = reason[:33] + "..."
		}
		fmt.Fprintf(&b, "%-20s %-16s %-16s %-14s %-8s %-8s %-36s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.TaskID, r.ProjectID, r.TaskType, r.Tier, outcome, reason)
	}
	return b.String()
}

func formatDecisionStats(stats []models.DecisionStat) string {
	if len(stats) == 0 {
		return "No decision stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-8s %8s %10s\n", "DAY", "TIER", "COUNT", "ADMITTED")
	b.WriteString(strings.Repeat("-", 41) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-8s %8d %10d\n", s.Day, s.Tier, s.Count, s.Admitted)
	}
	return b.String()
}
