package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aatuh/sqlmigrate"
)

func createStatusCmd(a *app) *cobra.Command {
	var output string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("--output must be table, json or yaml, got %q", output)
			}

			ctx, cancel := a.runContext(cmd.Context())
			defer cancel()

			db, dialect, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := a.newMigrator(db, dialect).Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(a.stdout, output, entries)
		},
	}
	statusCmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	return statusCmd
}

func printStatus(w io.Writer, output string, entries []sqlmigrate.StatusEntry) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(entries)
	}

	table := borderlessTable(w)
	table.SetHeader([]string{"Version", "Name", "Class", "State", "Applied At"})
	for _, e := range entries {
		appliedAt := ""
		if e.AppliedAt != nil {
			appliedAt = e.AppliedAt.UTC().Format(time.RFC3339)
		}
		class := "-"
		if e.Class != nil {
			class = e.Class.String()
		}
		table.Append([]string{
			e.Identifier,
			e.Name,
			class,
			colorState(e.State),
			appliedAt,
		})
	}
	table.Render()

	pending := 0
	for _, e := range entries {
		if e.State == sqlmigrate.StatePending {
			pending++
		}
	}
	_, err := fmt.Fprintf(w, "%d pending\n", pending)
	return err
}

func borderlessTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func colorState(state sqlmigrate.StatusState) string {
	var c *color.Color
	switch state {
	case sqlmigrate.StateApplied:
		c = color.New(color.FgGreen)
	case sqlmigrate.StatePending:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	return c.Sprint(string(state))
}
