// SPDX-License-Identifier: Apache-2.0

package pgcore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/mod/semver"
)

// VersionCompatibility represents the result of comparing the pgcore binary
// version against the version stamped into an engine's schema at install
// time.
type VersionCompatibility int

const (
	VersionCompatCheckSkipped VersionCompatibility = iota
	VersionCompatNotInitialized
	VersionCompatSchemaOlder
	VersionCompatSchemaEqual
	VersionCompatSchemaNewer
)

// StampVersion records the pgcore version used to install the given
// engine's schema, in a "<schema>.pgcore_version" table. installSQL must
// already have created this table (see the per-engine sqlInit constants).
func StampVersion(ctx context.Context, conn *sql.DB, schema, version string) error {
	query := fmt.Sprintf(
		"INSERT INTO %s.pgcore_version (version) VALUES ($1)",
		pq.QuoteIdentifier(schema),
	)
	_, err := conn.ExecContext(ctx, query, version)
	return err
}

// SchemaVersion retrieves the most recently stamped version for the given
// schema.
func SchemaVersion(ctx context.Context, conn *sql.DB, schema string) (string, error) {
	query := fmt.Sprintf(
		"SELECT version FROM %s.pgcore_version ORDER BY installed_at DESC LIMIT 1",
		pq.QuoteIdentifier(schema),
	)

	var version string
	err := conn.QueryRowContext(ctx, query).Scan(&version)
	return version, err
}

// CheckVersionCompatibility compares binVersion (the running pgcore binary
// version) against the version stamped in the schema. Like the teacher's
// pgroll_version check, a mismatch never fails the call outright - the
// caller decides whether to warn or abort.
func CheckVersionCompatibility(ctx context.Context, conn *sql.DB, schema, binVersion string) (VersionCompatibility, error) {
	if binVersion == "development" {
		return VersionCompatCheckSkipped, nil
	}

	schemaVersion, err := SchemaVersion(ctx, conn, schema)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionCompatNotInitialized, nil
		}
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	if schemaVersion == "development" {
		return VersionCompatCheckSkipped, nil
	}

	schemaVersion = ensureVPrefix(schemaVersion)
	binVersion = ensureVPrefix(binVersion)

	if !semver.IsValid(schemaVersion) || !semver.IsValid(binVersion) {
		return VersionCompatCheckSkipped, nil
	}

	schemaVersion = semver.Canonical(schemaVersion)
	binVersion = semver.Canonical(binVersion)

	switch semver.Compare(schemaVersion, binVersion) {
	case -1:
		return VersionCompatSchemaOlder, nil
	case 1:
		return VersionCompatSchemaNewer, nil
	default:
		return VersionCompatSchemaEqual, nil
	}
}

func ensureVPrefix(version string) string {
	if len(version) > 0 && version[0] != 'v' {
		return "v" + version
	}
	return version
}
