package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func createUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release a run lock left behind by a crashed run",
		Long: `
Release a run lock left behind by a crashed run

Only SQLite keeps its lock in a table. PostgreSQL and MySQL locks are
released by the server when the session of the crashed run ends.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			db, dialect, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := a.newMigrator(db, dialect).ForceUnlock(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "lock released")
			return nil
		},
	}
}
