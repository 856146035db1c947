// SPDX-License-Identifier: Apache-2.0

package pitr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

const auditColumns = "id, tracked_table, operation, primary_key_value, old_data, new_data, changed_columns, transaction_id, changed_at, changed_by, application_name"

func scanAuditEntry(row interface{ Scan(dest ...any) error }) (*AuditEntry, error) {
	var a AuditEntry
	var changed pq.StringArray
	if err := row.Scan(&a.ID, &a.TrackedTable, &a.Operation, &a.PrimaryKeyValue, &a.OldData, &a.NewData,
		&changed, &a.TransactionID, &a.ChangedAt, &a.ChangedBy, &a.ApplicationName); err != nil {
		return nil, err
	}
	a.ChangedColumns = []string(changed)
	return &a, nil
}

func collectAuditEntries(rows *sql.Rows) ([]AuditEntry, error) {
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetRowHistory returns every audit entry for the row identified by pk,
// newest first. pk matching is by mutual JSON containment, so a caller
// may pass a pk shaped exactly as primary_key_value was stored.
func (e *Engine) GetRowHistory(ctx context.Context, schema, table string, pk json.RawMessage, limit int) ([]AuditEntry, error) {
	if err := pgcore.ValidateJSONObject(pk); err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	rows, err := e.conn.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM `+e.q("audit_entries")+`
		 WHERE tracked_table = $1 AND primary_key_value @> $2::jsonb AND $2::jsonb @> primary_key_value
		 ORDER BY changed_at DESC
		 LIMIT $3`,
		tracked.ID, []byte(pk), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectAuditEntries(rows)
}

// GetTableHistory returns a slice of the global audit log for one table,
// newest first, optionally bounded by [since, until].
func (e *Engine) GetTableHistory(ctx context.Context, schema, table string, since, until *time.Time, limit int) ([]AuditEntry, error) {
	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	rows, err := e.conn.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM `+e.q("audit_entries")+`
		 WHERE tracked_table = $1
		   AND ($2::timestamptz IS NULL OR changed_at >= $2)
		   AND ($3::timestamptz IS NULL OR changed_at <= $3)
		 ORDER BY changed_at DESC
		 LIMIT $4`,
		tracked.ID, since, until, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectAuditEntries(rows)
}

// GetRowAt reconstructs the row identified by pk as it existed at as_of:
// the newest entry at or before as_of, or nil if the row was deleted (or
// never existed) by that time.
func (e *Engine) GetRowAt(ctx context.Context, schema, table string, pk json.RawMessage, asOf time.Time) (json.RawMessage, error) {
	if err := pgcore.ValidateJSONObject(pk); err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	var op Operation
	var oldData, newData json.RawMessage
	err = e.conn.DB.QueryRowContext(ctx,
		`SELECT operation, old_data, new_data FROM `+e.q("audit_entries")+`
		 WHERE tracked_table = $1 AND primary_key_value @> $2::jsonb AND $2::jsonb @> primary_key_value
		   AND changed_at <= $3
		 ORDER BY changed_at DESC
		 LIMIT 1`,
		tracked.ID, []byte(pk), asOf,
	).Scan(&op, &oldData, &newData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if op == OpDelete {
		return nil, nil
	}
	if newData != nil {
		return newData, nil
	}
	return oldData, nil
}

// GetTableAt reconstructs every surviving row of a table as it existed at
// as_of by picking, per distinct primary key, the newest entry at or
// before as_of and dropping rows whose newest such entry was a delete.
func (e *Engine) GetTableAt(ctx context.Context, schema, table string, asOf time.Time) ([]json.RawMessage, error) {
	tracked, err := e.getTrackedTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	rows, err := e.conn.QueryContext(ctx,
		`SELECT DISTINCT ON (primary_key_value) operation, old_data, new_data
		 FROM `+e.q("audit_entries")+`
		 WHERE tracked_table = $1 AND changed_at <= $2
		 ORDER BY primary_key_value, changed_at DESC`,
		tracked.ID, asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var op Operation
		var oldData, newData json.RawMessage
		if err := rows.Scan(&op, &oldData, &newData); err != nil {
			return nil, err
		}
		if op == OpDelete {
			continue
		}
		if newData != nil {
			out = append(out, newData)
		} else {
			out = append(out, oldData)
		}
	}
	return out, rows.Err()
}
