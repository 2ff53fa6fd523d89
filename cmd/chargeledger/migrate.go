package main

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/chargeledger/pkg/ledger"
	"github.com/spf13/cobra"
)

func newMigrateAccountsCommand(app *application) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate-accounts",
		Short: "Rewrite single-function account documents in the per-kind layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(env)
			documents, err := env.accounts.ListDocuments(cmd.Context())
			if err != nil {
				return err
			}
			migrated := 0
			for _, document := range documents {
				if document.Version != ledger.SchemaV1 {
					continue
				}
				if dryRun {
					account, err := ledger.MigrateAccountV1(*document.V1)
					if err != nil {
						return err
					}
					fmt.Fprintf(app.stdout, "would migrate %s\n", account.ID)
					printAccounts(app.stdout, []ledger.Account{account})
					migrated++
					continue
				}
				account, err := env.accounts.Migrate(cmd.Context(), *document.V1)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.stdout, "migrated %s\n", account.ID)
				migrated++
			}
			fmt.Fprintf(app.stdout, "%d of %d account(s) %s\n", migrated, len(documents), migrationVerb(dryRun))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, flagDryRun, false, "show the migrated accounts without writing them")
	return cmd
}

func migrationVerb(dryRun bool) string {
	if dryRun {
		return "need migration"
	}
	return "migrated"
}
