// SPDX-License-Identifier: Apache-2.0

package pitr_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcore/pgcore/pkg/pitr"
	"github.com/relcore/pgcore/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func createWidgets(t *testing.T, conn *sql.DB) {
	t.Helper()
	_, err := conn.Exec(`CREATE TABLE widgets (id INT PRIMARY KEY, name TEXT, quantity INT)`)
	require.NoError(t, err)
}

func TestCaptureAndHistory(t *testing.T) {
	t.Parallel()

	testutils.WithPITR(t, func(p *pitr.Engine, conn *sql.DB) {
		ctx := context.Background()
		createWidgets(t, conn)

		_, err := p.EnableTracking(ctx, pitr.TrackTableRequest{
			Schema: "public", Table: "widgets", PrimaryKeyColumns: []string{"id"},
		})
		require.NoError(t, err)

		_, err = conn.Exec(`INSERT INTO widgets (id, name, quantity) VALUES (1, 'sprocket', 10)`)
		require.NoError(t, err)

		_, err = conn.Exec(`UPDATE widgets SET quantity = 5 WHERE id = 1`)
		require.NoError(t, err)

		_, err = conn.Exec(`UPDATE widgets SET quantity = 5 WHERE id = 1`)
		require.NoError(t, err)

		history, err := p.GetRowHistory(ctx, "public", "widgets", json.RawMessage(`{"id":1}`), 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, pitr.OpUpdate, history[0].Operation)
		assert.Equal(t, pitr.OpInsert, history[1].Operation)
		assert.Equal(t, []string{"quantity"}, history[0].ChangedColumns)
	})
}

func TestUndoTransaction(t *testing.T) {
	t.Parallel()

	testutils.WithPITR(t, func(p *pitr.Engine, conn *sql.DB) {
		ctx := context.Background()
		createWidgets(t, conn)

		_, err := p.EnableTracking(ctx, pitr.TrackTableRequest{
			Schema: "public", Table: "widgets", PrimaryKeyColumns: []string{"id"},
		})
		require.NoError(t, err)

		_, err = conn.Exec(`INSERT INTO widgets (id, name, quantity) VALUES (1, 'sprocket', 10)`)
		require.NoError(t, err)

		var txID int64
		tx, err := conn.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.QueryRow(`SELECT txid_current()`).Scan(&txID))
		_, err = tx.Exec(`UPDATE widgets SET quantity = 1 WHERE id = 1`)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		var quantity int
		require.NoError(t, conn.QueryRow(`SELECT quantity FROM widgets WHERE id = 1`).Scan(&quantity))
		assert.Equal(t, 1, quantity)

		_, err = p.UndoTransaction(ctx, txID, false)
		require.NoError(t, err)

		require.NoError(t, conn.QueryRow(`SELECT quantity FROM widgets WHERE id = 1`).Scan(&quantity))
		assert.Equal(t, 10, quantity)
	})
}

func TestRestoreRow(t *testing.T) {
	t.Parallel()

	testutils.WithPITR(t, func(p *pitr.Engine, conn *sql.DB) {
		ctx := context.Background()
		createWidgets(t, conn)

		_, err := p.EnableTracking(ctx, pitr.TrackTableRequest{
			Schema: "public", Table: "widgets", PrimaryKeyColumns: []string{"id"},
		})
		require.NoError(t, err)

		_, err = conn.Exec(`INSERT INTO widgets (id, name, quantity) VALUES (1, 'sprocket', 10)`)
		require.NoError(t, err)

		cutoff := time.Now()

		_, err = conn.Exec(`DELETE FROM widgets WHERE id = 1`)
		require.NoError(t, err)

		result, err := p.RestoreRow(ctx, "public", "widgets", json.RawMessage(`{"id":1}`), cutoff)
		require.NoError(t, err)
		assert.Equal(t, pitr.RestoreInserted, result.Outcome)

		var name string
		require.NoError(t, conn.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name))
		assert.Equal(t, "sprocket", name)
	})
}
