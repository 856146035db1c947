// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// RegisterAggregate compiles a server-side loader function for a category
// of streams: given a stream id, it folds the newest snapshot (if any)
// forward through every later event using the registered per-type reducer
// expressions.
func (s *Store) RegisterAggregate(ctx context.Context, def AggregateDef) (*AggregateDef, error) {
	if err := pgcore.ValidateJSONObject(def.InitialState); err != nil {
		return nil, fmt.Errorf("initial state: %w", err)
	}

	for t, expr := range def.Reducers {
		if err := validateFragment(expr); err != nil {
			return nil, fmt.Errorf("reducer for %q: %w", t, err)
		}
	}

	fnName := "aggregate_" + sanitizeIdent(def.Name)

	err := s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := installAggregateFunction(ctx, tx, s.schema, fnName, def); err != nil {
			return err
		}

		reducers, err := json.Marshal(def.Reducers)
		if err != nil {
			return err
		}
		initial := def.InitialState
		if initial == nil {
			initial = []byte(`{}`)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+s.q("aggregate_defs")+` (name, function_name, category, initial_state, reducers, snapshot_threshold)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (name) DO UPDATE SET
			   function_name = EXCLUDED.function_name,
			   category = EXCLUDED.category,
			   initial_state = EXCLUDED.initial_state,
			   reducers = EXCLUDED.reducers,
			   snapshot_threshold = EXCLUDED.snapshot_threshold`,
			def.Name, fnName, def.Category, []byte(initial), reducers, def.SnapshotThreshold,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.LogAggregateRegistered(def.Name, def.Category)

	return &def, nil
}

// installAggregateFunction (re)creates a plpgsql function that folds a
// stream's events atop its latest snapshot using one CASE branch per
// registered event type.
func installAggregateFunction(ctx context.Context, tx *sql.Tx, schema, fnName string, def AggregateDef) error {
	qFn := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(fnName)
	qSnapshots := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier("snapshots")
	qEvents := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier("events")

	initial := def.InitialState
	if initial == nil {
		initial = []byte(`{}`)
	}

	var cases strings.Builder
	for t, expr := range def.Reducers {
		cases.WriteString(fmt.Sprintf("WHEN %s THEN v_state := %s;\n", quoteLiteral(t), expr))
	}

	body := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s(p_stream_id UUID) RETURNS JSONB AS $fn$
DECLARE
	v_state JSONB;
	v_version BIGINT := 0;
	v_event RECORD;
	v_replayed INT := 0;
BEGIN
	SELECT state, version INTO v_state, v_version
	FROM %s WHERE stream = p_stream_id ORDER BY version DESC LIMIT 1;

	IF v_state IS NULL THEN
		v_state := %s::jsonb;
		v_version := 0;
	END IF;

	FOR v_event IN
		SELECT type, stream_version, data FROM %s
		WHERE stream = p_stream_id AND stream_version > v_version
		ORDER BY stream_version ASC
	LOOP
		CASE v_event.type
		%s
		ELSE
			NULL;
		END CASE;
		v_version := v_event.stream_version;
		v_replayed := v_replayed + 1;
	END LOOP;

	IF %d > 0 AND v_replayed >= %d THEN
		INSERT INTO %s (stream, name, version, state)
		VALUES (p_stream_id, 'aggregate-state', v_version, v_state)
		ON CONFLICT (stream, name) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = clock_timestamp();
	END IF;

	RETURN jsonb_build_object('streamId', p_stream_id, 'state', v_state, 'version', v_version);
END;
$fn$ LANGUAGE plpgsql;
`, qFn, qSnapshots, quoteLiteral(string(initial)), qEvents, cases.String(), threshold(def.SnapshotThreshold), threshold(def.SnapshotThreshold), qSnapshots)

	_, err := tx.ExecContext(ctx, body)
	return err
}

func threshold(t *int) int {
	if t == nil {
		return 0
	}
	return *t
}

// LoadAggregate invokes the registered loader for name against streamID,
// folding its events atop the latest snapshot.
func (s *Store) LoadAggregate(ctx context.Context, name, streamID string) (*AggregateState, error) {
	var functionName string
	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT function_name FROM `+s.q("aggregate_defs")+` WHERE name = $1`, name,
	).Scan(&functionName)
	if err == sql.ErrNoRows {
		return nil, pgcore.NotFoundError{Kind: "aggregate", ID: name}
	}
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := s.conn.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s($1)", s.q(functionName)), streamID,
	).Scan(&raw); err != nil {
		return nil, err
	}

	var result struct {
		StreamID string          `json:"streamId"`
		State    json.RawMessage `json:"state"`
		Version  int64           `json:"version"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	return &AggregateState{StreamID: result.StreamID, State: result.State, Version: result.Version}, nil
}
