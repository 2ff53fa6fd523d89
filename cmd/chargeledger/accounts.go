package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/cobra"
)

const (
	flagOwner          = "owner"
	flagOwnerEmail     = "email"
	flagAffiliation    = "affiliation"
	flagChargeFunction = "charge-function"
	flagCredits        = "credits"
	flagKind           = "kind"
	flagAmount         = "amount"
	flagFrom           = "from"
	flagTo             = "to"
)

func newAccountsCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and administer credit accounts",
	}
	cmd.AddCommand(
		newAccountsListCommand(app),
		newAccountsGetCommand(app),
		newAccountsCreateCommand(app),
		newAccountsAddCreditsCommand(app),
		newAccountsSetCreditsCommand(app),
		newAccountsEditCommand(app),
		newAccountsUsageCommand(app),
	)
	return cmd
}

func newAccountsListCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every account with its balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			accounts, err := env.accounts.List(cmd.Context())
			if err != nil {
				return err
			}
			printAccounts(app.stdout, accounts)
			return nil
		},
	}
}

func newAccountsGetCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "get ACCOUNT",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := ledger.NewAccountID(args[0])
			if err != nil {
				return err
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			account, err := env.accounts.Get(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "account: %s\nowner: %s\nemail: %s\n", account.ID, account.Owner, account.OwnerEmail)
			if account.Affiliation != "" {
				fmt.Fprintf(app.stdout, "affiliation: %s\n", account.Affiliation)
			}
			printAccounts(app.stdout, []ledger.Account{account})
			return nil
		},
	}
}

func newAccountsCreateCommand(app *application) *cobra.Command {
	var (
		owner       string
		ownerEmail  string
		affiliation string
		functions   []string
		credits     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create ACCOUNT",
		Short: "Create an account bound to one or more charge functions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := newAccountRequest(args[0], owner, ownerEmail, affiliation, functions, credits)
			if err != nil {
				return err
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			account, err := env.accounts.Create(cmd.Context(), request)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "created %s\n", account.ID)
			printAccounts(app.stdout, []ledger.Account{account})
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, flagOwner, "", "account owner name")
	cmd.Flags().StringVar(&ownerEmail, flagOwnerEmail, "", "account owner email")
	cmd.Flags().StringVar(&affiliation, flagAffiliation, "", "owner affiliation")
	cmd.Flags().StringSliceVar(&functions, flagChargeFunction, []string{ledger.ChargeFunctionCPU2022.String()}, "charge functions to bind, e.g. cpu_2022,gpu_2022")
	cmd.Flags().StringToStringVar(&credits, flagCredits, nil, "initial credits per kind, e.g. cpu=100,gpu=10")
	return cmd
}

func newAccountRequest(rawID string, owner string, ownerEmail string, affiliation string, functions []string, credits map[string]string) (ledger.NewAccountRequest, error) {
	accountID, err := ledger.NewAccountID(rawID)
	if err != nil {
		return ledger.NewAccountRequest{}, err
	}
	request := ledger.NewAccountRequest{
		ID:          accountID,
		Owner:       owner,
		OwnerEmail:  ownerEmail,
		Affiliation: affiliation,
		Functions:   make(map[ledger.ResourceKind]ledger.ChargeFunctionName, len(functions)),
		Credits:     make(map[ledger.ResourceKind]float64, len(credits)),
	}
	for _, raw := range functions {
		function, err := ledger.ParseChargeFunctionName(raw)
		if err != nil {
			return ledger.NewAccountRequest{}, err
		}
		kind, err := function.Kind()
		if err != nil {
			return ledger.NewAccountRequest{}, err
		}
		request.Functions[kind] = function
	}
	for rawKind, rawAmount := range credits {
		kind, err := ledger.ParseResourceKind(rawKind)
		if err != nil {
			return ledger.NewAccountRequest{}, err
		}
		amount, err := strconv.ParseFloat(strings.TrimSpace(rawAmount), 64)
		if err != nil {
			return ledger.NewAccountRequest{}, fmt.Errorf("%w: %s credits %q", ledger.ErrInvalidAmount, kind, rawAmount)
		}
		request.Credits[kind] = amount
	}
	return request, nil
}

type creditUpdate func(accounts *ledger.AccountRepository, ctx context.Context, accountID ledger.AccountID, kind ledger.ResourceKind, credits float64) (ledger.Account, error)

func newAccountsAddCreditsCommand(app *application) *cobra.Command {
	return newCreditsCommand(app, "add-credits ACCOUNT", "Add credit hours to one resource kind", "credit hours to add", (*ledger.AccountRepository).AddCredits)
}

func newAccountsSetCreditsCommand(app *application) *cobra.Command {
	return newCreditsCommand(app, "set-credits ACCOUNT", "Overwrite the credit hours of one resource kind", "credit hours to set", (*ledger.AccountRepository).SetCredits)
}

func newCreditsCommand(app *application, use string, short string, amountUsage string, update creditUpdate) *cobra.Command {
	var (
		rawKind string
		amount  float64
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := ledger.NewAccountID(args[0])
			if err != nil {
				return err
			}
			kind, err := ledger.ParseResourceKind(rawKind)
			if err != nil {
				return err
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			account, err := update(env.accounts, cmd.Context(), accountID, kind, amount)
			if err != nil {
				return err
			}
			printAccounts(app.stdout, []ledger.Account{account})
			return nil
		},
	}
	cmd.Flags().StringVar(&rawKind, flagKind, ledger.ResourceKindCPU.String(), "resource kind: cpu or gpu")
	cmd.Flags().Float64Var(&amount, flagAmount, 0, amountUsage)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func newAccountsEditCommand(app *application) *cobra.Command {
	var (
		owner      string
		ownerEmail string
	)
	cmd := &cobra.Command{
		Use:   "edit ACCOUNT",
		Short: "Change the owner name or email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := ledger.NewAccountID(args[0])
			if err != nil {
				return err
			}
			if owner == "" && ownerEmail == "" {
				return fmt.Errorf("nothing to edit: pass --%s or --%s", flagOwner, flagOwnerEmail)
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			account, err := env.accounts.EditOwner(cmd.Context(), accountID, owner, ownerEmail)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "account: %s\nowner: %s\nemail: %s\n", account.ID, account.Owner, account.OwnerEmail)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, flagOwner, "", "new owner name")
	cmd.Flags().StringVar(&ownerEmail, flagOwnerEmail, "", "new owner email")
	return cmd
}

func newAccountsUsageCommand(app *application) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report charges and credits added between two snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromDay, err := ledger.ParseDay(from)
			if err != nil {
				return fmt.Errorf("--%s: %w", flagFrom, err)
			}
			toDay, err := ledger.ParseDay(to)
			if err != nil {
				return fmt.Errorf("--%s: %w", flagTo, err)
			}
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			before, err := env.snapshots.Read(cmd.Context(), fromDay)
			if err != nil {
				return err
			}
			after, err := env.snapshots.Read(cmd.Context(), toDay)
			if err != nil {
				return err
			}
			printDeltas(app.stdout, ledger.PeriodDeltas(before, after))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, flagFrom, "", "earlier snapshot day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, flagTo, "", "later snapshot day (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired(flagFrom)
	_ = cmd.MarkFlagRequired(flagTo)
	return cmd
}

func printAccounts(out io.Writer, accounts []ledger.Account) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ACCOUNT\tOWNER\tKIND\tFUNCTION\tCREDITS\tCHARGES\tREMAINING\tUSED\tLAST CHARGE")
	for _, account := range accounts {
		for _, kind := range ledger.ResourceKinds() {
			kindLedger, ok := account.Kind(kind)
			if !ok {
				continue
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%.1f%%\t%s\n",
				account.ID,
				account.Owner,
				kind,
				kindLedger.ChargeFunction,
				kindLedger.Credits,
				kindLedger.Charges,
				kindLedger.Remaining(),
				kindLedger.PercentUsed(),
				dayOrDash(kindLedger.LastChargeDate))
		}
	}
	_ = writer.Flush()
}

func printDeltas(out io.Writer, deltas []ledger.AccountDelta) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ACCOUNT\tKIND\tCHARGED\tCREDITED\tREMAINING")
	for _, delta := range deltas {
		fmt.Fprintf(writer, "%s\t%s\t%.2f\t%.2f\t%.2f\n", delta.AccountID, delta.Kind, delta.ChargesAdded, delta.CreditsAdded, delta.Remaining)
	}
	_ = writer.Flush()
}

func dayOrDash(day ledger.Day) string {
	if day.IsZero() {
		return "-"
	}
	return day.String()
}
