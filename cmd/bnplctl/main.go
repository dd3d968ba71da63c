package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dan9191/bnpl-service/internal/app"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/service"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "bnplctl",
		Short:   "Operator tooling for installment schedules",
		Version: Version,
	}

	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(onboardCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (interface{}, error)) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel)
	logger.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func processCmd() *cobra.Command {
	var opts service.ProcessOptions
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Charge due installments once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Processor.ProcessDuePayments(ctx, opts)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.RetriesOnly, "retries-only", "r", false, "Only pick up installments with a pending retry")
	cmd.Flags().IntVarP(&opts.BatchSize, "batch-size", "b", 0, "Installments per batch")
	cmd.Flags().IntVarP(&opts.Concurrency, "concurrency", "c", 0, "Concurrent charges per batch")

	return cmd
}

func dispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending customer notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				sent, failed, err := a.Processor.DispatchNotifications(ctx, limit)
				return map[string]int{"sent": sent, "failed": failed}, err
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum notifications to deliver")

	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle installments stuck in PROCESSING",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				n, err := a.Processor.ReconcileProcessing(ctx)
				return map[string]int{"settled": n}, err
			})
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair [transaction-id]",
		Short: "Recreate a corrupt installment schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Scheduler.RepairSchedule(ctx, args[0])
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [transaction-id]",
		Short: "Report schedule integrity issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				issues, err := a.Scheduler.ValidateSchedule(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"healthy": !issues.HasBlocking(), "issues": issues.Strings()}, nil
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [installment-id]",
		Short: "Re-attempt a FAILED installment with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Processor.ManualRetry(ctx, args[0])
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary [transaction-id]",
		Short: "Show the schedule of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Scheduler.GetScheduleSummary(ctx, args[0])
			})
		},
	}
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard [merchant-ref]",
		Short: "Create the default early payment configuration for a merchant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Settlement.OnboardMerchant(ctx, args[0])
			})
		},
	}
}
