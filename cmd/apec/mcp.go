package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/audit"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/cache"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/mcp"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/router"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/scheduler"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve observability tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// stdout carries the protocol stream.
			if cfg.Log.Output == "stdout" {
				cfg.Log.Output = "stderr"
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer func() { _ = st.Close() }()

			gov := governor.New(st, cfg.Governor, log)
			rtr := router.New(st, cfg.Router, log)
			cch := cache.NewManager(st, cfg.Cache, nil, log)
			sch := scheduler.New(gov, rtr, cch, scheduler.NewHTTPExecutor(cfg.Executor), nil, st, cfg.Scheduler, log)

			decLog, err := audit.Open(cfg.Decisions)
			if err != nil {
				return fmt.Errorf("open decision log: %w", err)
			}
			defer func() { _ = decLog.Close() }()

			// Keep the interface nil when the log is disabled so the tool
			// reports that instead of a query error.
			var dec mcp.DecisionSearcher
			if decLog != nil {
				dec = decLog
			}

			srv := mcp.New(gov, rtr, cch, sch, dec, version, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("starting apec mcp server", logger.String("db", cfg.DBPath))
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
