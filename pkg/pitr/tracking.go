// SPDX-License-Identifier: Apache-2.0

package pitr

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// EnableTracking validates that (schema, table) exists, registers or
// re-enables its TrackedTable row, and installs the generic capture
// trigger that feeds the audit log on every INSERT/UPDATE/DELETE.
func (e *Engine) EnableTracking(ctx context.Context, req TrackTableRequest) (*TrackedTable, error) {
	var exists bool
	if err := e.pgConn.QueryRowContext(ctx,
		`SELECT to_regclass($1) IS NOT NULL`,
		req.Schema+"."+req.Table,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, pgcore.NotFoundError{Kind: "table", ID: req.Schema + "." + req.Table}
	}

	triggerName := "trg_pitr_" + sanitizeIdent(req.Schema) + "_" + sanitizeIdent(req.Table)

	var tracked TrackedTable
	err := e.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO `+e.q("tracked_tables")+`
			   (schema, "table", primary_key_columns, tracked_columns, excluded_columns, trigger_name, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6, true)
			 ON CONFLICT (schema, "table") DO UPDATE SET
			   primary_key_columns = EXCLUDED.primary_key_columns,
			   tracked_columns = EXCLUDED.tracked_columns,
			   excluded_columns = EXCLUDED.excluded_columns,
			   enabled = true
			 RETURNING id, schema, "table", primary_key_columns, tracked_columns, excluded_columns, trigger_name, enabled, created_at`,
			req.Schema, req.Table, pq.Array(req.PrimaryKeyColumns), pq.Array(req.TrackedColumns), pq.Array(req.ExcludedColumns), triggerName,
		).Scan(&tracked.ID, &tracked.Schema, &tracked.Table, pq.Array(&tracked.PrimaryKeyColumns),
			pq.Array(&tracked.TrackedColumns), pq.Array(&tracked.ExcludedColumns), &tracked.TriggerName,
			&tracked.Enabled, &tracked.CreatedAt); err != nil {
			return err
		}

		return installCaptureTrigger(ctx, tx, req.Schema, req.Table, triggerName, e.schema, tracked.ID)
	})
	if err != nil {
		return nil, err
	}

	e.logger.LogTrackingEnabled(req.Schema, req.Table)

	return &tracked, nil
}

// DisableTracking drops the capture trigger and marks the table disabled,
// leaving prior audit entries untouched.
func (e *Engine) DisableTracking(ctx context.Context, schema, table string) error {
	var triggerName string
	if err := e.conn.DB.QueryRowContext(ctx,
		`UPDATE `+e.q("tracked_tables")+` SET enabled = false WHERE schema = $1 AND "table" = $2 RETURNING trigger_name`,
		schema, table,
	).Scan(&triggerName); err != nil {
		if err == sql.ErrNoRows {
			return pgcore.NotFoundError{Kind: "tracked_table", ID: schema + "." + table}
		}
		return err
	}

	_, err := e.conn.ExecContext(ctx, fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s",
		pq.QuoteIdentifier(triggerName),
		pq.QuoteIdentifier(schema)+"."+pq.QuoteIdentifier(table),
	))
	return err
}

func installCaptureTrigger(ctx context.Context, tx *sql.Tx, targetSchema, targetTable, triggerName, pitrSchema string, trackedID int64) error {
	qTable := pq.QuoteIdentifier(targetSchema) + "." + pq.QuoteIdentifier(targetTable)
	qTrigger := pq.QuoteIdentifier(triggerName)
	qFn := pq.QuoteIdentifier(pitrSchema) + "." + pq.QuoteIdentifier("pitr_capture")

	stmt := fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s;\n"+
			"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s(%d);",
		qTrigger, qTable, qTrigger, qTable, qFn, trackedID,
	)
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

func sanitizeIdent(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
}

func (e *Engine) getTrackedTable(ctx context.Context, schema, table string) (*TrackedTable, error) {
	var t TrackedTable
	err := e.conn.DB.QueryRowContext(ctx,
		`SELECT id, schema, "table", primary_key_columns, tracked_columns, excluded_columns, trigger_name, enabled, created_at
		 FROM `+e.q("tracked_tables")+` WHERE schema = $1 AND "table" = $2`,
		schema, table,
	).Scan(&t.ID, &t.Schema, &t.Table, pq.Array(&t.PrimaryKeyColumns), pq.Array(&t.TrackedColumns),
		pq.Array(&t.ExcludedColumns), &t.TriggerName, &t.Enabled, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, pgcore.NotFoundError{Kind: "tracked_table", ID: schema + "." + table}
	}
	return &t, err
}
