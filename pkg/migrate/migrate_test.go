// SPDX-License-Identifier: Apache-2.0

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcore/pgcore/pkg/migrate"
	"github.com/relcore/pgcore/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestUpAppliesInOrderOnce(t *testing.T) {
	t.Parallel()

	testutils.WithMigrate(t, func(r *migrate.Runner, conn *sql.DB) {
		ctx := context.Background()

		migrations := []migrate.Migration{
			{Name: "002_add_column", SQL: `ALTER TABLE widgets ADD COLUMN quantity INT`},
			{Name: "001_create_table", SQL: `CREATE TABLE widgets (id INT PRIMARY KEY)`},
		}

		applied, err := r.Up(ctx, migrations)
		require.NoError(t, err)
		assert.Equal(t, []string{"001_create_table", "002_add_column"}, applied)

		var exists bool
		require.NoError(t, conn.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'widgets' AND column_name = 'quantity')`).Scan(&exists))
		assert.True(t, exists)

		applied, err = r.Up(ctx, migrations)
		require.NoError(t, err)
		assert.Empty(t, applied)

		names, err := r.Applied(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"001_create_table", "002_add_column"}, names)
	})
}

func TestUpStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	testutils.WithMigrate(t, func(r *migrate.Runner, conn *sql.DB) {
		ctx := context.Background()

		migrations := []migrate.Migration{
			{Name: "001_ok", SQL: `CREATE TABLE gadgets (id INT PRIMARY KEY)`},
			{Name: "002_broken", SQL: `NOT VALID SQL`},
			{Name: "003_never_reached", SQL: `CREATE TABLE widgets (id INT PRIMARY KEY)`},
		}

		applied, err := r.Up(ctx, migrations)
		require.Error(t, err)
		assert.Equal(t, []string{"001_ok"}, applied)

		var exists bool
		require.NoError(t, conn.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'widgets')`).Scan(&exists))
		assert.False(t, exists)
	})
}
