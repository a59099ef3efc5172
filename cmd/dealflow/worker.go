package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/scheduler"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var once bool
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Re-evaluate active opportunities on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{serveMetrics: true}, func(ctx context.Context, a *app) error {
				sched, err := scheduler.New(a.cfg.Scheduler.Cron, a.store, a.pipeline, nil)
				if err != nil {
					return err
				}
				if once {
					sum := sched.Tick(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "opportunities=%d reevaluated=%d skipped=%d failed=%d\n",
						sum.Opportunities, sum.Reevaluated, sum.Skipped, sum.Failed)
					return nil
				}
				if !a.cfg.Scheduler.Enabled {
					return fmt.Errorf("scheduler.enabled is false; use --once for a single pass")
				}
				err = sched.Run(ctx)
				if err == context.Canceled {
					return nil
				}
				return err
			})
		},
	}
	worker.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return worker
}
