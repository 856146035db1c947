// SPDX-License-Identifier: Apache-2.0

package pitr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// RestoreRow reconstructs the row identified by pk as it existed at as_of
// and applies whichever of NO_CHANGE/INSERT/DELETE/UPDATE is needed to
// bring the live table in line with it. The restore itself is a normal
// write and is captured like any other mutation.
func (e *Engine) RestoreRow(ctx context.Context, schema, table string, pk json.RawMessage, asOf time.Time) (*RestoreResult, error) {
	if err := pgcore.ValidateJSONObject(pk); err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	historical, err := e.GetRowAt(ctx, schema, table, pk, asOf)
	if err != nil {
		return nil, err
	}

	current, err := e.currentRow(ctx, tracked, pk)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{Schema: schema, Table: table, PK: pk, Outcome: RestoreNoChange}

	switch {
	case historical == nil && current == nil:
		result.Outcome = RestoreNoChange
	case historical == nil && current != nil:
		if err := e.deleteRow(ctx, tracked, pk); err != nil {
			return nil, err
		}
		result.Outcome = RestoreDeleted
	case historical != nil && current == nil:
		if err := e.insertRow(ctx, tracked, historical); err != nil {
			return nil, err
		}
		result.Outcome = RestoreInserted
	default:
		if jsonEqual(historical, current) {
			result.Outcome = RestoreNoChange
		} else {
			if err := e.updateRow(ctx, tracked, pk, historical); err != nil {
				return nil, err
			}
			result.Outcome = RestoreUpdated
		}
	}

	e.logger.LogRestoreRow(schema, table, result.Outcome, false)

	return result, nil
}

// RestoreTable restores every row ever seen for a table to its state at
// as_of. dryRun aggregates the outcomes that would occur without
// mutating the live table.
func (e *Engine) RestoreTable(ctx context.Context, schema, table string, asOf time.Time, dryRun bool) (*TableRestoreSummary, error) {
	pks, err := e.distinctPrimaryKeys(ctx, schema, table, nil)
	if err != nil {
		return nil, err
	}
	return e.restorePKs(ctx, schema, table, pks, asOf, dryRun)
}

// RestoreRowsWhere restricts RestoreTable to primary keys for which some
// audit entry's old_data or new_data contains filter (JSON containment).
func (e *Engine) RestoreRowsWhere(ctx context.Context, schema, table string, filter json.RawMessage, asOf time.Time, dryRun bool) (*TableRestoreSummary, error) {
	pks, err := e.distinctPrimaryKeys(ctx, schema, table, filter)
	if err != nil {
		return nil, err
	}
	return e.restorePKs(ctx, schema, table, pks, asOf, dryRun)
}

// UndoLastChange restores the row identified by pk to its state
// immediately before its most recent audit entry.
func (e *Engine) UndoLastChange(ctx context.Context, schema, table string, pk json.RawMessage) (*RestoreResult, error) {
	if err := pgcore.ValidateJSONObject(pk); err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	var lastChangedAt time.Time
	err = e.conn.DB.QueryRowContext(ctx,
		`SELECT changed_at FROM `+e.q("audit_entries")+`
		 WHERE tracked_table = $1 AND primary_key_value @> $2::jsonb AND $2::jsonb @> primary_key_value
		 ORDER BY changed_at DESC LIMIT 1`,
		tracked.ID, []byte(pk),
	).Scan(&lastChangedAt)
	if err != nil {
		return nil, err
	}

	return e.RestoreRow(ctx, schema, table, pk, lastChangedAt.Add(-time.Microsecond))
}

func (e *Engine) restorePKs(ctx context.Context, schema, table string, pks []json.RawMessage, asOf time.Time, dryRun bool) (*TableRestoreSummary, error) {
	summary := &TableRestoreSummary{Schema: schema, Table: table, DryRun: dryRun}

	for _, pk := range pks {
		var outcome RestoreOutcome
		if dryRun {
			tracked, err := e.getTrackedTable(ctx, schema, table)
			if err != nil {
				return nil, err
			}
			historical, err := e.GetRowAt(ctx, schema, table, pk, asOf)
			if err != nil {
				return nil, err
			}
			current, err := e.currentRow(ctx, tracked, pk)
			if err != nil {
				return nil, err
			}
			outcome = projectOutcome(historical, current)
		} else {
			res, err := e.RestoreRow(ctx, schema, table, pk, asOf)
			if err != nil {
				return nil, err
			}
			outcome = res.Outcome
		}

		summary.Rows = append(summary.Rows, RestoreResult{Schema: schema, Table: table, PK: pk, Outcome: outcome, DryRun: dryRun})
		switch outcome {
		case RestoreInserted:
			summary.Inserted++
		case RestoreUpdated:
			summary.Updated++
		case RestoreDeleted:
			summary.Deleted++
		default:
			summary.NoChange++
		}
	}

	e.logger.LogRestoreTable(summary)

	return summary, nil
}

func projectOutcome(historical, current json.RawMessage) RestoreOutcome {
	switch {
	case historical == nil && current == nil:
		return RestoreNoChange
	case historical == nil && current != nil:
		return RestoreDeleted
	case historical != nil && current == nil:
		return RestoreInserted
	case jsonEqual(historical, current):
		return RestoreNoChange
	default:
		return RestoreUpdated
	}
}

func (e *Engine) distinctPrimaryKeys(ctx context.Context, schema, table string, filter json.RawMessage) ([]json.RawMessage, error) {
	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	query := `SELECT DISTINCT primary_key_value FROM ` + e.q("audit_entries") + ` WHERE tracked_table = $1`
	args := []any{tracked.ID}
	if filter != nil {
		query += ` AND ($2::jsonb <@ old_data OR $2::jsonb <@ new_data)`
		args = append(args, []byte(filter))
	}

	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pks []json.RawMessage
	for rows.Next() {
		var pk json.RawMessage
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}

func (e *Engine) currentRow(ctx context.Context, tracked *TrackedTable, pk json.RawMessage) (json.RawMessage, error) {
	where, args := pkWhereClause(tracked.PrimaryKeyColumns, pk, 1)

	var row json.RawMessage
	err := e.conn.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT to_jsonb(t) FROM %s t WHERE %s", pq.QuoteIdentifier(tracked.Schema)+"."+pq.QuoteIdentifier(tracked.Table), where),
		args...,
	).Scan(&row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

func (e *Engine) deleteRow(ctx context.Context, tracked *TrackedTable, pk json.RawMessage) error {
	where, args := pkWhereClause(tracked.PrimaryKeyColumns, pk, 1)
	_, err := e.conn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", pq.QuoteIdentifier(tracked.Schema)+"."+pq.QuoteIdentifier(tracked.Table), where),
		args...,
	)
	return err
}

func (e *Engine) insertRow(ctx context.Context, tracked *TrackedTable, data json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	cols, args := make([]string, 0, len(fields)), make([]any, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	i := 1
	for col, val := range fields {
		cols = append(cols, pq.QuoteIdentifier(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, rawToArg(val))
		i++
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(tracked.Schema)+"."+pq.QuoteIdentifier(tracked.Table),
		strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	_, err := e.conn.ExecContext(ctx, stmt, args...)
	return err
}

func (e *Engine) updateRow(ctx context.Context, tracked *TrackedTable, pk json.RawMessage, data json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	pkSet := map[string]bool{}
	for _, c := range tracked.PrimaryKeyColumns {
		pkSet[c] = true
	}

	sets, args := make([]string, 0, len(fields)), make([]any, 0, len(fields))
	i := 1
	for col, val := range fields {
		if pkSet[col] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), i))
		args = append(args, rawToArg(val))
		i++
	}

	where, whereArgs := pkWhereClause(tracked.PrimaryKeyColumns, pk, i)
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		pq.QuoteIdentifier(tracked.Schema)+"."+pq.QuoteIdentifier(tracked.Table),
		strings.Join(sets, ", "), where,
	)
	_, err := e.conn.ExecContext(ctx, stmt, args...)
	return err
}

// pkWhereClause builds a "col = $n AND ..." clause over a row's JSON
// primary-key value, starting placeholder numbering at startIdx.
func pkWhereClause(pkColumns []string, pk json.RawMessage, startIdx int) (string, []any) {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(pk, &fields)

	clauses := make([]string, 0, len(pkColumns))
	args := make([]any, 0, len(pkColumns))
	for i, col := range pkColumns {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), startIdx+i))
		args = append(args, rawToArg(fields[col]))
	}
	return strings.Join(clauses, " AND "), args
}

func rawToArg(v json.RawMessage) any {
	var out any
	_ = json.Unmarshal(v, &out)
	return out
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
