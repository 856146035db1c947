// SPDX-License-Identifier: Apache-2.0

package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relcore/pgcore/pkg/eventstore"
	"github.com/relcore/pgcore/pkg/migrate"
	"github.com/relcore/pgcore/pkg/pitr"
	"github.com/relcore/pgcore/pkg/versionedfs"
)

// The version of postgres against which the tests are run
// if the POSTGRES_VERSION environment variable is not set.
const defaultPostgresVersion = "15.3"

// tConnStr holds the connection string to the test container created in SharedTestMain.
var tConnStr string

// SharedTestMain starts a postgres container to be used by all tests in a package.
// Each test then connects to the container and creates a new database.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("Failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// WithConnectionToContainer hands the test a raw connection and connection
// string to a freshly created database in the shared container.
func WithConnectionToContainer(t *testing.T, fn func(conn *sql.DB, connStr string)) {
	t.Helper()

	db, connStr, _ := setupTestDatabase(t)

	fn(db, connStr)
}

// WithVersionedFS creates a fresh database, installs and initializes a
// VersionedFS engine against it, and hands both to fn.
func WithVersionedFS(t *testing.T, fn func(fs *versionedfs.FS, conn *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	store, err := versionedfs.New(ctx, connStr, "versionedfs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}

	fn(store, db)
}

// WithEventStore creates a fresh database, installs and initializes an
// EventStore engine against it, and hands both to fn.
func WithEventStore(t *testing.T, fn func(es *eventstore.Store, conn *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	store, err := eventstore.New(ctx, connStr, "eventstore")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}

	fn(store, db)
}

// WithPITR creates a fresh database, installs and initializes a PITR engine
// against it, and hands both to fn.
func WithPITR(t *testing.T, fn func(p *pitr.Engine, conn *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	engine, err := pitr.New(ctx, connStr, "pitr")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })

	if err := engine.Init(ctx); err != nil {
		t.Fatal(err)
	}

	fn(engine, db)
}

// WithMigrate creates a fresh database and a migration Runner against it,
// and hands both to fn.
func WithMigrate(t *testing.T, fn func(r *migrate.Runner, conn *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	runner, err := migrate.New(ctx, connStr, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runner.Close() })

	fn(runner, db)
}

// setupTestDatabase creates a new database in the test container and returns:
// - a connection to the new database
// - the connection string to the new database
// - the name of the new database
func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := tDB.Close(); err != nil {
			t.Fatalf("Failed to close database connection: %v", err)
		}
	})

	dbName := randomDBName()

	_, err = tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}

	u.Path = "/" + dbName
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Failed to close database connection: %v", err)
		}
	})

	return db, connStr, dbName
}
