package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/runtime"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/scheduler"
	srv "github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var withScheduler bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				secret, err := runtime.LoadJWTSecret(a.cfg)
				if err != nil {
					return err
				}
				addr := serveAddr
				if addr == "" {
					addr = a.cfg.Server.Address
				}
				if withScheduler && a.cfg.Scheduler.Enabled {
					sched, err := scheduler.New(a.cfg.Scheduler.Cron, a.store, a.pipeline, nil)
					if err != nil {
						return err
					}
					go func() { _ = sched.Run(ctx) }()
				}
				e := srv.New(a.pipeline, a.executor, srv.Options{
					Secret:  secret,
					Metrics: a.telemetry.MetricsHandler(),
					Health:  a.store.DB.PingContext,
				})
				return srv.Run(ctx, e, addr)
			})
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&withScheduler, "scheduler", false, "also run the re-evaluation scheduler in this process")
	return serve
}
