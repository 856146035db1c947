// SPDX-License-Identifier: Apache-2.0

package pitr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// TransactionEntry pairs an AuditEntry with the (schema, table) it
// belongs to, since entries from one transaction can span tables.
type TransactionEntry struct {
	AuditEntry
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// GetTransactionHistory returns every audit entry produced by one
// transaction across all tracked tables, oldest first.
func (e *Engine) GetTransactionHistory(ctx context.Context, txID int64) ([]TransactionEntry, error) {
	rows, err := e.conn.QueryContext(ctx,
		`SELECT a.id, a.tracked_table, a.operation, a.primary_key_value, a.old_data, a.new_data,
		        a.changed_columns, a.transaction_id, a.changed_at, a.changed_by, a.application_name,
		        t.schema, t."table"
		 FROM `+e.q("audit_entries")+` a
		 JOIN `+e.q("tracked_tables")+` t ON t.id = a.tracked_table
		 WHERE a.transaction_id = $1
		 ORDER BY a.changed_at ASC`,
		txID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionEntry
	for rows.Next() {
		var te TransactionEntry
		var changed pq.StringArray
		if err := rows.Scan(&te.ID, &te.TrackedTable, &te.Operation, &te.PrimaryKeyValue, &te.OldData, &te.NewData,
			&changed, &te.TransactionID, &te.ChangedAt, &te.ChangedBy, &te.ApplicationName,
			&te.Schema, &te.Table); err != nil {
			return nil, err
		}
		te.ChangedColumns = []string(changed)
		out = append(out, te)
	}
	return out, rows.Err()
}

// GetRecentTransactions groups the audit log by transaction, most recent
// first, reporting per transaction the earliest changed_at, the actor,
// the tables touched, and a count per operation.
func (e *Engine) GetRecentTransactions(ctx context.Context, limit int) ([]TransactionSummary, error) {
	rows, err := e.conn.QueryContext(ctx,
		`SELECT a.transaction_id, min(a.changed_at), max(a.changed_by),
		        array_agg(DISTINCT t.schema || '.' || t."table"),
		        a.operation, count(*)
		 FROM `+e.q("audit_entries")+` a
		 JOIN `+e.q("tracked_tables")+` t ON t.id = a.tracked_table
		 GROUP BY a.transaction_id, a.operation
		 ORDER BY min(a.changed_at) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTx := map[int64]*TransactionSummary{}
	var order []int64
	for rows.Next() {
		var txID int64
		var earliest time.Time
		var changedBy string
		var tables pq.StringArray
		var op string
		var count int
		if err := rows.Scan(&txID, &earliest, &changedBy, &tables, &op, &count); err != nil {
			return nil, err
		}

		s, ok := byTx[txID]
		if !ok {
			s = &TransactionSummary{TransactionID: txID, EarliestAt: earliest, ChangedBy: changedBy, Tables: []string(tables), OperationCounts: map[string]int{}}
			byTx[txID] = s
			order = append(order, txID)
		} else {
			if earliest.Before(s.EarliestAt) {
				s.EarliestAt = earliest
			}
			for _, tbl := range tables {
				known := false
				for _, have := range s.Tables {
					known = known || have == tbl
				}
				if !known {
					s.Tables = append(s.Tables, tbl)
				}
			}
		}
		s.OperationCounts[op] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return []TransactionSummary{}, nil
	}

	out := make([]TransactionSummary, 0, len(order))
	for _, txID := range order {
		out = append(out, *byTx[txID])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// TableRef identifies a tracked table by schema and name.
type TableRef struct {
	Schema string
	Table  string
}

// RestoreToTransaction rolls back every table touched at or after txID to
// its state immediately before txID started, effectively undoing that
// transaction and every later one.
func (e *Engine) RestoreToTransaction(ctx context.Context, txID int64, dryRun bool) ([]TableRestoreSummary, error) {
	asOf, tables, err := e.transactionCutoff(ctx, txID)
	if err != nil {
		return nil, err
	}
	return e.restoreTablesAt(ctx, tables, asOf, dryRun)
}

// RestoreTablesToTransaction is RestoreToTransaction restricted to a
// caller-supplied set of (schema, table) pairs.
func (e *Engine) RestoreTablesToTransaction(ctx context.Context, txID int64, tables []TableRef, dryRun bool) ([]TableRestoreSummary, error) {
	asOf, _, err := e.transactionCutoff(ctx, txID)
	if err != nil {
		return nil, err
	}
	return e.restoreTablesAt(ctx, tables, asOf, dryRun)
}

func (e *Engine) transactionCutoff(ctx context.Context, txID int64) (time.Time, []TableRef, error) {
	var earliest time.Time
	if err := e.conn.DB.QueryRowContext(ctx,
		`SELECT min(changed_at) FROM `+e.q("audit_entries")+` WHERE transaction_id = $1`,
		txID,
	).Scan(&earliest); err != nil {
		return time.Time{}, nil, err
	}

	rows, err := e.conn.QueryContext(ctx,
		`SELECT DISTINCT t.schema, t."table"
		 FROM `+e.q("audit_entries")+` a
		 JOIN `+e.q("tracked_tables")+` t ON t.id = a.tracked_table
		 WHERE a.changed_at >= $1`,
		earliest,
	)
	if err != nil {
		return time.Time{}, nil, err
	}
	defer rows.Close()

	var tables []TableRef
	for rows.Next() {
		var ref TableRef
		if err := rows.Scan(&ref.Schema, &ref.Table); err != nil {
			return time.Time{}, nil, err
		}
		tables = append(tables, ref)
	}

	return earliest.Add(-time.Microsecond), tables, rows.Err()
}

func (e *Engine) restoreTablesAt(ctx context.Context, tables []TableRef, asOf time.Time, dryRun bool) ([]TableRestoreSummary, error) {
	summaries := make([]TableRestoreSummary, 0, len(tables))
	for _, t := range tables {
		summary, err := e.RestoreTable(ctx, t.Schema, t.Table, asOf, dryRun)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

// UndoTransaction inverts one transaction's own entries in reverse order:
// an INSERT is undone by deleting the row, a DELETE by reinserting
// old_data, and an UPDATE by restoring only its changed columns (so
// concurrent later changes to other columns survive).
func (e *Engine) UndoTransaction(ctx context.Context, txID int64, dryRun bool) ([]RestoreResult, error) {
	entries, err := e.GetTransactionHistory(ctx, txID)
	if err != nil {
		return nil, err
	}

	results := make([]RestoreResult, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		tracked, err := e.getTrackedTable(ctx, entry.Schema, entry.Table)
		if err != nil {
			return nil, err
		}

		result := RestoreResult{Schema: entry.Schema, Table: entry.Table, PK: entry.PrimaryKeyValue, DryRun: dryRun}

		switch entry.Operation {
		case OpInsert:
			result.Outcome = RestoreDeleted
			if !dryRun {
				if err := e.deleteRow(ctx, tracked, entry.PrimaryKeyValue); err != nil {
					return nil, err
				}
			}
		case OpDelete:
			result.Outcome = RestoreInserted
			if !dryRun {
				if err := e.insertRow(ctx, tracked, entry.OldData); err != nil {
					return nil, err
				}
			}
		case OpUpdate:
			result.Outcome = RestoreUpdated
			if !dryRun {
				if err := e.restoreChangedColumns(ctx, tracked, entry.PrimaryKeyValue, entry.OldData, entry.ChangedColumns); err != nil {
					return nil, err
				}
			}
		}

		results = append(results, result)
	}

	e.logger.LogUndoTransaction(txID, dryRun)

	return results, nil
}

func (e *Engine) restoreChangedColumns(ctx context.Context, tracked *TrackedTable, pk, oldData json.RawMessage, changedColumns []string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(oldData, &fields); err != nil {
		return err
	}

	restricted := map[string]json.RawMessage{}
	for _, c := range changedColumns {
		if v, ok := fields[c]; ok {
			restricted[c] = v
		}
	}
	restrictedJSON, err := json.Marshal(restricted)
	if err != nil {
		return err
	}

	return e.updateRow(ctx, tracked, pk, restrictedJSON)
}
