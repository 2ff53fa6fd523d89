package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagWorkers         = "workers"
	flagDryRun          = "dry-run"
	flagOverrideEndDate = "override-end-date"
	flagEndDate         = "end-date"
	flagEpoch           = "epoch"

	defaultWorkers = 4
)

func bindBackfillFlags(cmd *cobra.Command, settings *backfillSettings) {
	cmd.Flags().BoolVar(&settings.OverrideEndDate, flagOverrideEndDate, false, "process today instead of stopping at yesterday")
	cmd.Flags().StringVar(&settings.EndDate, flagEndDate, "", "last day to process (YYYY-MM-DD)")
	cmd.Flags().StringVar(&settings.Epoch, flagEpoch, ledger.DefaultEpoch.String(), "first day charges are computed for (YYYY-MM-DD)")
}

func newRunCommand(app *application) *cobra.Command {
	settings := backfillSettings{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Charge every missing day from the epoch to the end date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			env, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer app.close(env)
			backfill, err := app.newBackfill(env, settings)
			if err != nil {
				return err
			}
			report, runErr := backfill.Run(ctx)
			printRunReport(app.stdout, report)
			if report.Halt != nil {
				return report.Halt
			}
			if runErr != nil {
				app.logger.Error("backfill stopped", zap.String("run_id", report.RunID), zap.Error(runErr))
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&settings.Workers, flagWorkers, defaultWorkers, "accounts generated concurrently")
	cmd.Flags().BoolVar(&settings.DryRun, flagDryRun, false, "compute charges without writing charges, balances, or snapshots")
	bindBackfillFlags(cmd, &settings)
	return cmd
}

func newStatusCommand(app *application) *cobra.Command {
	settings := backfillSettings{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the days still waiting to be charged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			backfill, err := app.newBackfill(env, settings)
			if err != nil {
				return err
			}
			snapshotDays, err := env.snapshots.Days()
			if err != nil {
				return err
			}
			if len(snapshotDays) > 0 {
				fmt.Fprintf(app.stdout, "%d snapshot(s): %s through %s\n", len(snapshotDays), snapshotDays[0], snapshotDays[len(snapshotDays)-1])
			}
			days, err := backfill.MissingDays(cmd.Context())
			var gap ledger.GapDetectedCritical
			if errors.As(err, &gap) {
				fmt.Fprintf(app.stdout, "HALT: %v\n", gap)
				return err
			}
			if err != nil {
				return err
			}
			if len(days) == 0 {
				fmt.Fprintf(app.stdout, "up to date through %s\n", backfill.EndDay())
				return nil
			}
			fmt.Fprintf(app.stdout, "%d missing day(s) through %s: first %s\n", len(days), backfill.EndDay(), days[0])
			return nil
		},
	}
	bindBackfillFlags(cmd, &settings)
	return cmd
}

func printRunReport(out io.Writer, report ledger.RunReport) {
	mode := "live"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(out, "run %s (%s) from %s to %s\n", report.RunID, mode, report.Epoch, report.EndDay)
	if len(report.Days) > 0 {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "DAY\tUSAGE\tCHARGES\tTOTAL\tUPDATED\tREJECTED\tFAILED\tWARNINGS\tSNAPSHOT")
		for _, day := range report.Days {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%.4f\t%d\t%d\t%d\t%d\t%t\n",
				day.Day,
				day.UsageCount,
				len(day.Charges),
				chargeTotal(day.Charges),
				len(day.Updated),
				len(day.Rejected),
				len(day.ChargeFailures)+len(day.AccountFailures),
				len(day.Warnings),
				day.Snapshotted)
		}
		_ = writer.Flush()
	}
	for _, day := range report.Days {
		for _, warning := range day.Warnings {
			fmt.Fprintf(out, "warning: %s\n", warning)
		}
		for _, rejected := range day.Rejected {
			fmt.Fprintf(out, "rejected: %v\n", rejected)
		}
		for _, failure := range append(append([]ledger.BulkFailure(nil), day.ChargeFailures...), day.AccountFailures...) {
			fmt.Fprintf(out, "failed: %s %s: %s\n", day.Day, failure.ID, failure.Reason)
		}
		if report.DryRun && len(day.Charges) > 0 {
			fmt.Fprintf(out, "\n%s charges that would be written:\n", day.Day)
			printCharges(out, day.Charges)
			fmt.Fprintf(out, "%s balances after apply:\n", day.Day)
			printAccounts(out, day.Updated)
		}
	}
	if report.Halt != nil {
		fmt.Fprintf(out, "HALT: %v\n", report.Halt)
	}
}

func chargeTotal(records []ledger.ChargeRecord) float64 {
	total := 0.0
	for _, record := range records {
		total += record.Amount
	}
	return total
}
