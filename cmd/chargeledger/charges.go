package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/cobra"
)

const (
	flagDate    = "date"
	flagAccount = "account"
)

func newChargesCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Inspect daily charge records",
	}
	cmd.AddCommand(newChargesGetCommand(app))
	return cmd
}

func newChargesGetCommand(app *application) *cobra.Command {
	var date, rawAccount string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "List the charge records of one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := ledger.ParseDay(date)
			if err != nil {
				return fmt.Errorf("--%s: %w", flagDate, err)
			}
			var accountID *ledger.AccountID
			if rawAccount != "" {
				parsed, err := ledger.NewAccountID(rawAccount)
				if err != nil {
					return err
				}
				accountID = &parsed
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			records, err := env.charges.ListByDay(cmd.Context(), day, accountID)
			if err != nil {
				return err
			}
			printCharges(app.stdout, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, flagDate, "", "charge day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&rawAccount, flagAccount, "", "restrict to one account")
	_ = cmd.MarkFlagRequired(flagDate)
	return cmd
}

func printCharges(out io.Writer, records []ledger.ChargeRecord) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ACCOUNT\tUSER\tKIND\tRESOURCE\tFUNCTION\tAMOUNT")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%.4f\n", record.AccountID, record.UserID, record.Kind, record.ResourceName, record.ChargeFunction, record.Amount)
	}
	_ = writer.Flush()
	fmt.Fprintf(out, "%d record(s), %.4f hours\n", len(records), chargeTotal(records))
}
