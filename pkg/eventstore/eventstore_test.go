// SPDX-License-Identifier: Apache-2.0

package eventstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcore/pgcore/pkg/eventstore"
	"github.com/relcore/pgcore/pkg/pgcore"
	"github.com/relcore/pgcore/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func i64(v int64) *int64 { return &v }

func TestAppendOptimisticConcurrency(t *testing.T) {
	t.Parallel()

	testutils.WithEventStore(t, func(store *eventstore.Store, _ *sql.DB) {
		ctx := context.Background()

		require.NoError(t, store.RegisterCategory(ctx, "order"))
		require.NoError(t, store.RegisterEventType(ctx, "order", "order/created"))
		require.NoError(t, store.RegisterEventType(ctx, "order", "order/item-added"))

		streamID := uuid.New().String()

		e1, err := store.Append(ctx, eventstore.AppendRequest{
			StreamID: streamID, Category: "order", Type: "order/created",
			Data: json.RawMessage(`{}`), ExpectedVersion: i64(-1),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, e1.StreamVersion)
		assert.EqualValues(t, 1, e1.Position)

		_, err = store.Append(ctx, eventstore.AppendRequest{
			StreamID: streamID, Category: "order", Type: "order/created",
			Data: json.RawMessage(`{}`), ExpectedVersion: i64(-1),
		})
		var conflict pgcore.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)

		e2, err := store.Append(ctx, eventstore.AppendRequest{
			StreamID: streamID, Category: "order", Type: "order/item-added",
			Data: json.RawMessage(`{}`), ExpectedVersion: i64(1),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 2, e2.StreamVersion)
		assert.EqualValues(t, 2, e2.Position)
	})
}

func TestMultiWorkerPolling(t *testing.T) {
	t.Parallel()

	testutils.WithEventStore(t, func(store *eventstore.Store, _ *sql.DB) {
		ctx := context.Background()

		require.NoError(t, store.RegisterCategory(ctx, "widget"))
		require.NoError(t, store.RegisterEventType(ctx, "widget", "widget/touched"))

		_, err := store.CreateSubscription(ctx, "S", nil, nil)
		require.NoError(t, err)

		streamID := uuid.New().String()
		for i := 0; i < 10; i++ {
			_, err := store.Append(ctx, eventstore.AppendRequest{
				StreamID: streamID, Category: "widget", Type: "widget/touched",
				Data: json.RawMessage(`{}`),
			})
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := map[int64]bool{}

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch, err := store.Poll(ctx, "S", 10, time.Minute)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, e := range batch {
					seen[e.Position] = true
					assert.NoError(t, store.Ack(ctx, "S", e.Position))
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 10)

		batch, err := store.Poll(ctx, "S", 10, time.Minute)
		require.NoError(t, err)
		for _, e := range batch {
			require.NoError(t, store.Ack(ctx, "S", e.Position))
		}

		sub, err := store.GetSubscription(ctx, "S")
		require.NoError(t, err)
		assert.EqualValues(t, 10, sub.LastPosition)

		empty, err := store.Poll(ctx, "S", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestAggregateFold(t *testing.T) {
	t.Parallel()

	testutils.WithEventStore(t, func(store *eventstore.Store, _ *sql.DB) {
		ctx := context.Background()

		require.NoError(t, store.RegisterCategory(ctx, "counter"))
		require.NoError(t, store.RegisterEventType(ctx, "counter", "counter/incremented"))

		_, err := store.RegisterAggregate(ctx, eventstore.AggregateDef{
			Name:         "counter-total",
			Category:     "counter",
			InitialState: json.RawMessage(`{"total": 0}`),
			Reducers: map[string]string{
				"counter/incremented": `jsonb_set(v_state, '{total}', to_jsonb((v_state->>'total')::int + (v_event.data->>'by')::int))`,
			},
		})
		require.NoError(t, err)

		streamID := uuid.New().String()
		for _, by := range []int{1, 2, 3} {
			_, err := store.Append(ctx, eventstore.AppendRequest{
				StreamID: streamID, Category: "counter", Type: "counter/incremented",
				Data: json.RawMessage(`{"by":` + strconv.Itoa(by) + `}`),
			})
			require.NoError(t, err)
		}

		state, err := store.LoadAggregate(ctx, "counter-total", streamID)
		require.NoError(t, err)
		assert.EqualValues(t, 3, state.Version)

		var decoded struct {
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(state.State, &decoded))
		assert.Equal(t, 6, decoded.Total)
	})
}
