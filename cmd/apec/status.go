package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		history    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resource window, usage metrics and stored plans",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			status, err := gov.BudgetStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Window %s (%s)\n", status.WindowID, status.Health)
			fmt.Printf("  Ceiling:   %d units\n", status.Ceiling)
			fmt.Printf("  Used:      %d units (%.1f%%)\n", status.Used, status.Utilization*100)
			fmt.Printf("  Remaining: %d units\n", status.Remaining)
			fmt.Printf("  Ends:      %s\n", status.WindowEnds.Local().Format("2006-01-02 15:04:05"))

			metrics, err := gov.UsageMetrics(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\nBurn rate %.1f units/hour, %.0f%% high / %.0f%% economy, efficiency %.2f\n",
				metrics.UnitsPerHour, metrics.HighShare*100, metrics.EconomyShare*100, metrics.CostEfficiency)

			if history {
				windows, err := gov.History(ctx)
				if err != nil {
					return err
				}
				if len(windows) == 0 {
					fmt.Println("\nNo closed windows retained.")
				} else {
					fmt.Println()
					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "WINDOW\tSTARTED\tHIGH\tECONOMY\tTOTAL")
					for _, win := range windows {
						fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
							win.ID, win.StartedAt.Local().Format("2006-01-02 15:04:05"),
							win.HighUnits, win.EconomyUnits, win.Used())
					}
					if err := w.Flush(); err != nil {
						return err
					}
				}
			}

			kvs, err := st.List(ctx, "scheduler/plan/")
			if err != nil {
				return err
			}
			if len(kvs) == 0 {
				fmt.Println("\nNo stored plans.")
				return nil
			}

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tRUN\tTASKS\tWAVES\tCREATED")
			for _, kv := range kvs {
				var plan models.ExecutionPlan
				if err := json.Unmarshal(kv.Value, &plan); err != nil {
					continue
				}
				tasks := 0
				for _, wave := range plan.Waves {
					tasks += len(wave.TaskIDs)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					plan.ProjectID, plan.RunID, tasks, len(plan.Waves),
					plan.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&history, "history", false, "include closed windows")
	return cmd
}
