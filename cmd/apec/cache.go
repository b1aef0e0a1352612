package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/cache"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry counts per tier",
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

			m := cache.NewManager(st, cfg.Cache, nil, logger.Nop())
			stats := m.Metrics(context.Background())

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tENTRIES")
			for _, t := range stats.Tiers {
				fmt.Fprintf(w, "%s\t%d\n", t.Tier, t.Entries)
			}
			return w.Flush()
		},
	}

	var taskType string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cache entries",
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

			m := cache.NewManager(st, cfg.Cache, nil, logger.Nop())
			removed, err := m.Invalidate(context.Background(), taskType)
			if err != nil {
				return err
			}
			if taskType == "" {
				fmt.Printf("Removed %d cache entries.\n", removed)
			} else {
				fmt.Printf("Removed %d cache entries for task type %q.\n", removed, taskType)
			}
			return nil
		},
	}
	clearCmd.Flags().StringVar(&taskType, "task-type", "", "only clear entries for this task type")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
