package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/api"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/audit"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/cache"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/router"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/scheduler"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
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
			cch := cache.NewManager(st, cfg.Cache, cache.NewHashEmbedder(), log)

			dec, err := audit.Open(cfg.Decisions)
			if err != nil {
				return fmt.Errorf("open decision log: %w", err)
			}
			defer func() { _ = dec.Close() }()

			exec := scheduler.NewHTTPExecutor(cfg.Executor)
			sch := scheduler.New(gov, rtr, cch, exec, dec, st, cfg.Scheduler, log)

			srv := api.New(cfg.Listen, gov, rtr, cch, sch, dec, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				go func() {
					if err := config.Watch(ctx, configPath, log, func(next *config.Config) {
						gov.SetTunables(next.Governor)
						rtr.SetTunables(next.Router)
						cch.SetTunables(next.Cache)
						sch.SetTunables(next.Scheduler)
					}); err != nil {
						log.Warn("config watch stopped", logger.Error(err))
					}
				}()
			}

			log.Info("starting apec server",
				logger.String("listen", cfg.Listen),
				logger.String("db", cfg.DBPath),
				logger.String("version", version))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
