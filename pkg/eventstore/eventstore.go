// SPDX-License-Identifier: Apache-2.0

// Package eventstore implements an append-only PostgreSQL event log with
// per-stream optimistic concurrency, a category/type registry, hybrid
// sync/async projections, server-side aggregate reducers, and safe
// multi-worker polling via exclusive short-lived event claims.
package eventstore

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

// Store is a handle to an EventStore engine installed in a single
// PostgreSQL schema.
type Store struct {
	pgConn *sql.DB
	conn   *db.RDB
	schema string
	logger Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default pterm-backed Logger.
func WithLogger(l Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens a connection to pgURL and returns a Store bound to the given
// schema. Init must be called once before first use against a fresh
// database.
func New(ctx context.Context, pgURL, schema string, opts ...Option) (*Store, error) {
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

	s := &Store{
		pgConn: conn,
		conn:   &db.RDB{DB: conn},
		schema: schema,
		logger: NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Init installs the EventStore schema, guarded by a transaction-scoped
// advisory lock.
func (s *Store) Init(ctx context.Context) error {
	tx, err := s.pgConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const lockKey int64 = 0x76667300012234

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(s.schema))); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return pgcore.StampVersion(ctx, s.pgConn, s.schema, Version)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Schema returns the schema name this Store is bound to.
func (s *Store) Schema() string {
	return s.schema
}

// VersionCompatibility compares Version against the version stamped into
// this Store's schema at install time.
func (s *Store) VersionCompatibility(ctx context.Context) (pgcore.VersionCompatibility, error) {
	return pgcore.CheckVersionCompatibility(ctx, s.pgConn, s.schema, Version)
}

func (s *Store) q(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}
