// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relcore/pgcore/cmd/flags"
	"github.com/relcore/pgcore/pkg/pitr"
)

func pitrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pitr",
		Short: "Track tables and restore or undo their history",
	}
	flags.SchemaFlag(cmd, "PITR_SCHEMA", "pitr")

	cmd.AddCommand(pitrInitCmd())
	cmd.AddCommand(pitrTrackCmd())
	cmd.AddCommand(pitrHistoryCmd())
	cmd.AddCommand(pitrRestoreRowCmd())
	cmd.AddCommand(pitrRestoreTableCmd())
	cmd.AddCommand(pitrUndoLastCmd())
	cmd.AddCommand(pitrUndoTransactionCmd())

	return cmd
}

func openPITR(cmd *cobra.Command) (*pitr.Engine, error) {
	return pitr.New(cmd.Context(), flags.PostgresURL(), viper.GetString("PITR_SCHEMA"))
}

func pitrInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Install the point-in-time restore schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Initializing PITR schema...").Start()
			if err := p.Init(cmd.Context()); err != nil {
				sp.Fail(fmt.Sprintf("Failed to initialize: %s", err))
				return err
			}
			sp.Success("Initialization complete")
			return nil
		},
	}
}

func pitrTrackCmd() *cobra.Command {
	var schema, table string
	var primaryKey, tracked, excluded []string

	c := &cobra.Command{
		Use:   "track",
		Short: "Enable change capture on a table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			tt, err := p.EnableTracking(cmd.Context(), pitr.TrackTableRequest{
				Schema:            schema,
				Table:             table,
				PrimaryKeyColumns: primaryKey,
				TrackedColumns:    tracked,
				ExcludedColumns:   excluded,
			})
			if err != nil {
				return err
			}
			return printJSON(tt)
		},
	}

	c.Flags().StringVar(&schema, "target-schema", "public", "schema of the table to track")
	c.Flags().StringVar(&table, "table", "", "table to track")
	c.Flags().StringSliceVar(&primaryKey, "primary-key", nil, "primary key columns")
	c.Flags().StringSliceVar(&tracked, "columns", nil, "columns to capture, defaults to all")
	c.Flags().StringSliceVar(&excluded, "exclude-columns", nil, "columns to exclude from capture")
	c.MarkFlagRequired("table")
	c.MarkFlagRequired("primary-key")

	return c
}

func pitrHistoryCmd() *cobra.Command {
	var schema, table, pk string
	var limit int

	c := &cobra.Command{
		Use:   "history",
		Short: "Show the audit history for one row",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			entries, err := p.GetRowHistory(cmd.Context(), schema, table, json.RawMessage(pk), limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	c.Flags().StringVar(&schema, "target-schema", "public", "schema of the tracked table")
	c.Flags().StringVar(&table, "table", "", "tracked table")
	c.Flags().StringVar(&pk, "pk", "", "primary key value as a JSON object, e.g. {\"id\":1}")
	c.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to return")
	c.MarkFlagRequired("table")
	c.MarkFlagRequired("pk")

	return c
}

func pitrRestoreRowCmd() *cobra.Command {
	var schema, table, pk, asOf string

	c := &cobra.Command{
		Use:   "restore-row",
		Short: "Restore a single row to its state as of a given time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			t, err := time.Parse(time.RFC3339, asOf)
			if err != nil {
				return err
			}

			result, err := p.RestoreRow(cmd.Context(), schema, table, json.RawMessage(pk), t)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	c.Flags().StringVar(&schema, "target-schema", "public", "schema of the tracked table")
	c.Flags().StringVar(&table, "table", "", "tracked table")
	c.Flags().StringVar(&pk, "pk", "", "primary key value as a JSON object")
	c.Flags().StringVar(&asOf, "as-of", "", "RFC3339 timestamp to restore to")
	c.MarkFlagRequired("table")
	c.MarkFlagRequired("pk")
	c.MarkFlagRequired("as-of")

	return c
}

func pitrRestoreTableCmd() *cobra.Command {
	var schema, table, asOf, filter string
	var dryRun bool

	c := &cobra.Command{
		Use:   "restore-table",
		Short: "Restore every row ever seen for a table to its state as of a given time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			t, err := time.Parse(time.RFC3339, asOf)
			if err != nil {
				return err
			}

			var summary *pitr.TableRestoreSummary
			if filter != "" {
				summary, err = p.RestoreRowsWhere(cmd.Context(), schema, table, json.RawMessage(filter), t, dryRun)
			} else {
				summary, err = p.RestoreTable(cmd.Context(), schema, table, t, dryRun)
			}
			if err != nil {
				return err
			}

			if dryRun {
				return printRestoreTable(summary)
			}
			return printJSON(summary)
		},
	}

	c.Flags().StringVar(&schema, "target-schema", "public", "schema of the tracked table")
	c.Flags().StringVar(&table, "table", "", "tracked table")
	c.Flags().StringVar(&asOf, "as-of", "", "RFC3339 timestamp to restore to")
	c.Flags().StringVar(&filter, "where", "", "restrict to rows whose audit history contains this JSON object")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "report the outcome per row without mutating the live table")
	c.MarkFlagRequired("table")
	c.MarkFlagRequired("as-of")

	return c
}

// printRestoreTable renders a dry-run table restore summary as a table,
// one row per primary key considered (NO_CHANGE rows included), for a human deciding whether to rerun
// without --dry-run.
func printRestoreTable(summary *pitr.TableRestoreSummary) error {
	data := pterm.TableData{{"PK", "OUTCOME"}}
	for _, r := range summary.Rows {
		data = append(data, []string{string(r.PK), string(r.Outcome)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printf("inserted=%d updated=%d deleted=%d noChange=%d\n",
		summary.Inserted, summary.Updated, summary.Deleted, summary.NoChange)
	return nil
}

func pitrUndoLastCmd() *cobra.Command {
	var schema, table, pk string

	c := &cobra.Command{
		Use:   "undo-last",
		Short: "Undo the most recent change to a row",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.UndoLastChange(cmd.Context(), schema, table, json.RawMessage(pk))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	c.Flags().StringVar(&schema, "target-schema", "public", "schema of the tracked table")
	c.Flags().StringVar(&table, "table", "", "tracked table")
	c.Flags().StringVar(&pk, "pk", "", "primary key value as a JSON object")
	c.MarkFlagRequired("table")
	c.MarkFlagRequired("pk")

	return c
}

func pitrUndoTransactionCmd() *cobra.Command {
	var txID int64
	var dryRun bool

	c := &cobra.Command{
		Use:   "undo-transaction",
		Short: "Invert every change made by one transaction, in reverse order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := openPITR(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Undoing transaction...").Start()
			results, err := p.UndoTransaction(cmd.Context(), txID, dryRun)
			if err != nil {
				sp.Fail(fmt.Sprintf("Undo failed: %s", err))
				return err
			}
			sp.Success("Undo complete")
			return printJSON(results)
		},
	}

	c.Flags().Int64Var(&txID, "transaction-id", 0, "transaction id to undo")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "report the outcome without mutating the live tables")
	c.MarkFlagRequired("transaction-id")

	return c
}
