package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/config"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/runtime"
)

func generateCMD(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "generate <opportunity-id>",
		Short: "Propose new actions for an opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				created, err := a.pipeline.GenerateProposedActions(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), created)
				}
				renderActions(cmd.OutOrStdout(), "", created)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func reevaluateCMD(cfgPath *string) *cobra.Command {
	var reason string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reevaluate <opportunity-id>",
		Short: "Re-evaluate open actions and future events of an opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				out, err := a.pipeline.ReEvaluateActions(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), out)
				}
				renderReevaluation(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual re-evaluation", "what triggered the re-evaluation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	return cmd
}

func executeCMD(cfgPath *string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "execute <action-id>",
		Short: "Execute an approved action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				res, err := a.executor.Execute(ctx, args[0], actor)
				var execErr *crm.ExecutionError
				if err != nil && !errors.As(err, &execErr) {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "acting user id")
	return cmd
}

func approveCMD(cfgPath *string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a proposed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				approved, err := a.executor.Approve(ctx, args[0], actor)
				if err != nil {
					return err
				}
				renderActions(cmd.OutOrStdout(), "Approved", []crm.ProposedAction{approved})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "approving user id")
	return cmd
}

func rejectCMD(cfgPath *string) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a proposed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				rejected, err := a.executor.Reject(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				renderActions(cmd.OutOrStdout(), "Rejected", []crm.ProposedAction{rejected})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "rejecting user id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the action was rejected")
	return cmd
}

func cancelOpenCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-open <opportunity-id>",
		Short: "Cancel every PROPOSED action of an opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), *cfgPath, appOptions{}, func(ctx context.Context, a *app) error {
				n, err := a.pipeline.CancelAllOpen(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d action(s)\n", n)
				return nil
			})
		},
	}
}

func tokenCMD(cfgPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(subject, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "user id carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
