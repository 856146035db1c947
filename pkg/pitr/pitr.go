// SPDX-License-Identifier: Apache-2.0

// Package pitr implements a point-in-time-restore audit and undo engine:
// generic per-row capture triggers feed an append-only audit log, which
// supports historical reads and selective restore at the row, table, and
// transaction scope.
package pitr

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/db"
	"github.com/relcore/pgcore/pkg/pgcore"
)

// Version is the pgcore release stamped into newly installed schemas.
var Version = "development"

// Engine is a handle to a PITR engine installed in a single PostgreSQL
// schema.
type Engine struct {
	pgConn *sql.DB
	conn   *db.RDB
	schema string
	logger Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default pterm-backed Logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New opens a connection to pgURL and returns an Engine bound to the
// given schema. Init must be called once before first use against a
// fresh database.
func New(ctx context.Context, pgURL, schema string, opts ...Option) (*Engine, error) {
	dsn, err := pq.ParseURL(pgURL)
	if err != nil {
		dsn = pgURL
	}
	dsn += " search_path=" + schema

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}

	e := &Engine{
		pgConn: conn,
		conn:   &db.RDB{DB: conn},
		schema: schema,
		logger: NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Init installs the PITR schema, guarded by a transaction-scoped advisory
// lock.
func (e *Engine) Init(ctx context.Context) error {
	tx, err := e.pgConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const lockKey int64 = 0x76667300012235

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(e.schema))); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return pgcore.StampVersion(ctx, e.pgConn, e.schema, Version)
}

// Close releases the underlying database connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// Schema returns the schema name this Engine is bound to.
func (e *Engine) Schema() string {
	return e.schema
}

// VersionCompatibility compares Version against the version stamped into
// this Engine's schema at install time.
func (e *Engine) VersionCompatibility(ctx context.Context) (pgcore.VersionCompatibility, error) {
	return pgcore.CheckVersionCompatibility(ctx, e.pgConn, e.schema, Version)
}

func (e *Engine) q(name string) string {
	return pq.QuoteIdentifier(e.schema) + "." + pq.QuoteIdentifier(name)
}
