package main

import (
	"context"
	"fmt"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/router"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/spf13/cobra"
)

func newExplainCmd() *cobra.Command {
	var (
		configPath    string
		taskType      string
		units         int64
		priority      int
		complexity    float64
		mandatoryHigh bool
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Preview which tier a task would be routed to",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskType == "" {
				return fmt.Errorf("--task-type is required")
			}
			if units <= 0 {
				return fmt.Errorf("--units must be positive")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := context.Background()
			gov := governor.New(st, cfg.Governor, logger.Nop())
			rtr := router.New(st, cfg.Router, logger.Nop())

			status, err := gov.BudgetStatus(ctx)
			if err != nil {
				return err
			}

			d := rtr.Explain(ctx, models.TaskResourceRequest{
				TaskID:         "probe",
				TaskType:       taskType,
				EstimatedUnits: units,
				Priority:       priority,
				Complexity:     complexity,
				MandatoryHigh:  mandatoryHigh,
			}, status)

			fmt.Printf("Tier:   %s\n", d.Tier)
			fmt.Printf("Reason: %s\n", d.Reason)
			if !d.Mandatory {
				fmt.Printf("Score:  %.2f / 10\n\n", d.Score)
				fmt.Printf("  complexity %.2f x %.2f\n", d.ComplexityScore, d.Weights.Complexity)
				fmt.Printf("  headroom   %.2f x %.2f\n", d.HeadroomScore, d.Weights.Headroom)
				fmt.Printf("  history    %.2f x %.2f\n", d.HistoryScore, d.Weights.History)
				fmt.Printf("  priority   %.2f x %.2f\n", d.PriorityScore, d.Weights.Priority)
			}
			fmt.Printf("\nWindow %s: %s, %.1f%% used\n", status.WindowID, status.Health, status.Utilization*100)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type (routing history is keyed by it)")
	cmd.Flags().Int64Var(&units, "units", 0, "estimated resource units")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 0-10")
	cmd.Flags().Float64Var(&complexity, "complexity", 0, "complexity 0-10 (derived from units when omitted)")
	cmd.Flags().BoolVar(&mandatoryHigh, "mandatory-high", false, "force the high tier")
	return cmd
}
