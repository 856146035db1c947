// SPDX-License-Identifier: Apache-2.0

// Package versionedfs implements a content-addressed, Git-like versioned
// filesystem backed by PostgreSQL: repositories own branches and an
// append-only commit graph; commits carry per-path file deltas; reads
// resolve through ancestry; merges and rebases are computed via
// ancestor-set intersection and 3-way diff, entirely as relational queries.
package versionedfs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/db"
	"github.com/relcore/pgcore/pkg/pgcore"
)

// Version is the pgcore release stamped into newly installed schemas.
// Overridden at build time via -ldflags for release builds.
var Version = "development"

// maxHistorySteps bounds ancestry traversal (read resolution, ancestor-set
// computation) to defend against a corrupted, cyclic graph.
const maxHistorySteps = 100000

// FS is a handle to a VersionedFS engine installed in a single PostgreSQL
// schema.
type FS struct {
	pgConn *sql.DB
	conn   *db.RDB
	schema string
	logger Logger
}

// Option configures an FS at construction time.
type Option func(*FS)

// WithLogger overrides the default pterm-backed Logger.
func WithLogger(l Logger) Option {
	return func(f *FS) { f.logger = l }
}

// New opens a connection to pgURL and returns an FS bound to the given
// schema. Init must be called once before first use against a fresh
// database.
func New(ctx context.Context, pgURL, schema string, opts ...Option) (*FS, error) {
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

	fs := &FS{
		pgConn: conn,
		conn:   &db.RDB{DB: conn},
		schema: schema,
		logger: NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(fs)
	}

	return fs, nil
}

// Init installs the VersionedFS schema, guarded by a transaction-scoped
// advisory lock so that concurrent Init calls from multiple processes serialize instead
// of racing on DDL.
func (f *FS) Init(ctx context.Context) error {
	tx, err := f.pgConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const lockKey int64 = 0x76667300012233

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(f.schema))); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return pgcore.StampVersion(ctx, f.pgConn, f.schema, Version)
}

// Close releases the underlying database connection.
func (f *FS) Close() error {
	return f.conn.Close()
}

// Schema returns the schema name this FS is bound to.
func (f *FS) Schema() string {
	return f.schema
}

// VersionCompatibility compares Version against the version stamped into
// this FS's schema at install time.
func (f *FS) VersionCompatibility(ctx context.Context) (pgcore.VersionCompatibility, error) {
	return pgcore.CheckVersionCompatibility(ctx, f.pgConn, f.schema, Version)
}

func (f *FS) q(name string) string {
	return pq.QuoteIdentifier(f.schema) + "." + pq.QuoteIdentifier(name)
}
