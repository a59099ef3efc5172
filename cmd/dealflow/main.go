package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfgPath string
	root := &cobra.Command{
		Use:           "dealflow",
		Short:         "Propose, evaluate and execute sales actions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		workerCMD(&cfgPath),
		generateCMD(&cfgPath),
		reevaluateCMD(&cfgPath),
		executeCMD(&cfgPath),
		approveCMD(&cfgPath),
		rejectCMD(&cfgPath),
		cancelOpenCMD(&cfgPath),
		tokenCMD(&cfgPath),
	)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
