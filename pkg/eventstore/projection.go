// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// RegisterProjection binds sync handlers (SQL expressions fired as a
// trigger inside the append transaction) and/or async types (dispatched
// out-of-band through a hidden subscription) to a named projection.
// Handler shape is decided here, once, never at dispatch time.
func (s *Store) RegisterProjection(ctx context.Context, def ProjectionDef) (*ProjectionDef, error) {
	for t, expr := range def.SyncHandlers {
		if err := validateFragment(expr); err != nil {
			return nil, fmt.Errorf("sync handler for %q: %w", t, err)
		}
	}

	triggerName := ""
	subscriptionName := ""

	err := s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if len(def.SyncHandlers) > 0 {
			triggerName = "trg_projection_" + sanitizeIdent(def.Name)
			if err := installProjectionTrigger(ctx, tx, s.schema, triggerName, def.SyncHandlers); err != nil {
				return err
			}
		}

		if len(def.AsyncTypes) > 0 {
			subscriptionName = "projection:" + def.Name
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+s.q("subscriptions")+` (name, filter_types)
				 VALUES ($1, $2)
				 ON CONFLICT (name) DO UPDATE SET filter_types = EXCLUDED.filter_types`,
				subscriptionName, pq.Array(def.AsyncTypes),
			); err != nil {
				return err
			}
		}

		handlers, err := json.Marshal(def.SyncHandlers)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+s.q("projection_defs")+` (name, sync_handlers, async_types, trigger_name, subscription_name)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
			 ON CONFLICT (name) DO UPDATE SET
			   sync_handlers = EXCLUDED.sync_handlers,
			   async_types = EXCLUDED.async_types,
			   trigger_name = EXCLUDED.trigger_name,
			   subscription_name = EXCLUDED.subscription_name`,
			def.Name, handlers, pq.Array(def.AsyncTypes), triggerName, subscriptionName,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	def.TriggerName = triggerName
	def.SubscriptionName = subscriptionName

	s.logger.LogProjectionRegistered(def.Name, syncTypeKeys(def.SyncHandlers), def.AsyncTypes)

	return &def, nil
}

// installProjectionTrigger (re)creates a row-level AFTER INSERT trigger on
// the events table that dispatches to one SQL fragment per "category/type"
// key, keyed off the newly inserted row.
func installProjectionTrigger(ctx context.Context, tx *sql.Tx, schema, triggerName string, handlers map[string]string) error {
	fnName := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(triggerName+"_fn")
	qTrigger := pq.QuoteIdentifier(triggerName)
	qTable := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier("events")

	var cases strings.Builder
	for key, expr := range handlers {
		cases.WriteString(fmt.Sprintf("WHEN %s THEN PERFORM %s;\n", quoteLiteral(key), expr))
	}

	body := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $fn$
DECLARE
	v_event %s%%ROWTYPE;
BEGIN
	v_event := NEW;
	CASE v_event.category || '/' || v_event.type
	%s
	ELSE
		NULL;
	END CASE;
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %s ON %s;
CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE FUNCTION %s();
`, fnName, qTable, cases.String(), qTrigger, qTable, qTrigger, qTable, fnName)

	_, err := tx.ExecContext(ctx, body)
	return err
}

// ListProjections reports, per registered projection, its dispatch
// configuration and how far behind the log its async subscription is.
func (s *Store) ListProjections(ctx context.Context) ([]ProjectionStatus, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT p.name, p.sync_handlers, p.async_types, p.trigger_name, p.subscription_name,
		        COALESCE((SELECT max(position) FROM `+s.q("events")+`), 0) - COALESCE(sub.last_position, 0)
		 FROM `+s.q("projection_defs")+` p
		 LEFT JOIN `+s.q("subscriptions")+` sub ON sub.name = p.subscription_name
		 ORDER BY p.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectionStatus
	for rows.Next() {
		var st ProjectionStatus
		var handlers []byte
		var triggerName, subscriptionName sql.NullString
		if err := rows.Scan(&st.Name, &handlers, pq.Array(&st.AsyncTypes), &triggerName, &subscriptionName, &st.EventsBehind); err != nil {
			return nil, err
		}

		var syncHandlers map[string]string
		if err := json.Unmarshal(handlers, &syncHandlers); err != nil {
			return nil, err
		}
		st.SyncTypes = syncTypeKeys(syncHandlers)
		st.TriggerName = triggerName.String
		st.SubscriptionName = subscriptionName.String

		out = append(out, st)
	}
	return out, rows.Err()
}

func syncTypeKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sanitizeIdent(name string) string {
	return strings.NewReplacer("-", "_", ":", "_", "/", "_", ".", "_").Replace(name)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
