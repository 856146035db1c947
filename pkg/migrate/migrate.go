// SPDX-License-Identifier: Apache-2.0

// Package migrate is a minimal forward-only migration runner: it takes a
// sorted batch of named SQL files, locks out concurrent runners, applies
// whichever of them haven't been recorded yet in order, and records each
// one applied in the same transaction as its DDL.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/internal/connstr"
)

const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.applied_migrations (
	name        TEXT PRIMARY KEY,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
`

// advisory lock key, distinguishing this runner's lock from the
// VersionedFS/EventStore/PITR engines' own Init locks.
const lockKey int64 = 0x76667300012236

// Migration is one forward-only unit of work: a name used both for
// ordering and as the idempotency key, and the SQL to run.
type Migration struct {
	Name string
	SQL  string
}

// Runner applies migrations against a single Postgres schema.
type Runner struct {
	pgConn *sql.DB
	schema string
}

// New opens a connection whose search_path is set to schema. The
// bookkeeping table is created later, by Up.
func New(ctx context.Context, pgURL, schema string) (*Runner, error) {
	dsn, err := connstr.AppendSearchPathOption(pgURL, schema)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Runner{pgConn: conn, schema: schema}, nil
}

func (r *Runner) Close() error {
	return r.pgConn.Close()
}

// Applied returns the names of migrations already recorded, for status
// reporting.
func (r *Runner) Applied(ctx context.Context) ([]string, error) {
	if _, err := r.pgConn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(r.schema))); err != nil {
		return nil, err
	}
	var exists bool
	if err := r.pgConn.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", r.schema+".applied_migrations").Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := r.pgConn.QueryContext(ctx, fmt.Sprintf("SELECT name FROM %s.applied_migrations ORDER BY applied_at", pq.QuoteIdentifier(r.schema)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Up applies every migration in migrations whose name isn't already
// recorded, in ascending name order, holding a single session-scoped
// advisory lock for the whole batch so concurrent runners serialize
// rather than race to apply the same migration twice.
func (r *Runner) Up(ctx context.Context, migrations []Migration) ([]string, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	conn, err := r.pgConn.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return nil, err
	}
	defer conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockKey)

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(r.schema))); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range sorted {
		done, err := r.appliedOne(ctx, conn, m.Name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		if err := r.applyOne(ctx, conn, m); err != nil {
			return applied, fmt.Errorf("applying migration %q: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}

	return applied, nil
}

func (r *Runner) appliedOne(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s.applied_migrations WHERE name = $1)", pq.QuoteIdentifier(r.schema)),
		name,
	).Scan(&exists)
	return exists, err
}

func (r *Runner) applyOne(ctx context.Context, conn *sql.Conn, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s.applied_migrations (name, applied_at) VALUES ($1, $2)", pq.QuoteIdentifier(r.schema)),
		m.Name, time.Now().UTC(),
	); err != nil {
		return err
	}

	return tx.Commit()
}
