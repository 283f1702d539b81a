package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aatuh/sqlmigrate"
)

func createUpCmd(a *app) *cobra.Command {
	var (
		dryRun bool
		target string
	)
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			db, dialect, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			m := a.newMigrator(db, dialect)
			defer a.pushMetrics()

			if dryRun {
				report, err := m.DryRun(ctx, target)
				if err != nil {
					return err
				}
				printPending(a.stdout, report)
				return nil
			}
			report, err := m.MigrateUp(ctx, target)
			printApplied(a.stdout, report)
			return err
		},
	}
	upCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	upCmd.Flags().StringVar(&target, "to", "", "stop after this version")
	return upCmd
}

func createPlanCmd(a *app) *cobra.Command {
	var target string
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the SQL that up would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			db, dialect, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := a.newMigrator(db, dialect).DryRun(ctx, target)
			if err != nil {
				return err
			}
			printPlan(a.stdout, report)
			return nil
		},
	}
	planCmd.Flags().StringVar(&target, "to", "", "stop after this version")
	return planCmd
}

func printApplied(w io.Writer, report *sqlmigrate.Report) {
	if report == nil {
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	for _, s := range report.Applied {
		fmt.Fprintf(w, "%s %s\n", green("applied"), s)
	}
	if report.UpToDate() {
		fmt.Fprintln(w, "schema up to date")
		return
	}
	fmt.Fprintf(w, "%d of %d migrations applied in %s\n",
		len(report.Applied), len(report.Pending), report.Elapsed.Round(time.Millisecond))
}

func printPending(w io.Writer, report *sqlmigrate.Report) {
	if report.UpToDate() {
		fmt.Fprintln(w, "schema up to date")
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, s := range report.Pending {
		fmt.Fprintf(w, "%s %s (%s)\n", yellow("pending"), s, s.Class)
	}
}

func printPlan(w io.Writer, report *sqlmigrate.Report) {
	if report.UpToDate() {
		fmt.Fprintln(w, "-- schema up to date")
		return
	}
	for _, s := range report.Pending {
		fmt.Fprintf(w, "-- %s (%s)\n", s, s.Class)
		if s.NoTransaction {
			fmt.Fprintln(w, "-- runs outside of a transaction")
		}
		for _, step := range s.Steps {
			if sqlStep, ok := step.(*sqlmigrate.SQLStep); ok {
				fmt.Fprintf(w, "%s;\n", strings.TrimSpace(sqlStep.SQL))
				continue
			}
			fmt.Fprintf(w, "-- %v\n", step)
		}
		fmt.Fprintln(w)
	}
}
