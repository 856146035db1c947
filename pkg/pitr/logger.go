// SPDX-License-Identifier: Apache-2.0

package pitr

import "github.com/pterm/pterm"

// Logger is responsible for logging tracking, restore, and undo
// activity.
type Logger interface {
	LogTrackingEnabled(schema, table string)
	LogRestoreRow(schema, table string, outcome RestoreOutcome, dryRun bool)
	LogRestoreTable(summary *TableRestoreSummary)
	LogUndoTransaction(txID int64, dryRun bool)

	Info(msg string, args ...any)
}

type pitrLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger that writes structured output via pterm.
func NewLogger() Logger {
	return &pitrLogger{logger: pterm.DefaultLogger}
}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *pitrLogger) LogTrackingEnabled(schema, table string) {
	l.logger.Info("tracking enabled", l.logger.Args("schema", schema, "table", table))
}

func (l *pitrLogger) LogRestoreRow(schema, table string, outcome RestoreOutcome, dryRun bool) {
	l.logger.Info("row restore", l.logger.Args("schema", schema, "table", table, "outcome", outcome, "dry_run", dryRun))
}

func (l *pitrLogger) LogRestoreTable(summary *TableRestoreSummary) {
	l.logger.Info("table restore", l.logger.Args(
		"schema", summary.Schema, "table", summary.Table, "dry_run", summary.DryRun,
		"inserted", summary.Inserted, "updated", summary.Updated, "deleted", summary.Deleted,
	))
}

func (l *pitrLogger) LogUndoTransaction(txID int64, dryRun bool) {
	l.logger.Info("undo transaction", l.logger.Args("transaction_id", txID, "dry_run", dryRun))
}

func (l *pitrLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogTrackingEnabled(schema, table string)                                {}
func (l *noopLogger) LogRestoreRow(schema, table string, outcome RestoreOutcome, dryRun bool) {}
func (l *noopLogger) LogRestoreTable(summary *TableRestoreSummary)                            {}
func (l *noopLogger) LogUndoTransaction(txID int64, dryRun bool)                              {}
func (l *noopLogger) Info(msg string, args ...any)                                            {}
