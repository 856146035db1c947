// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// Append writes one event to req.StreamID's stream, enforcing optimistic
// concurrency and firing any sync projection triggers installed for
// req.Category/req.Type in the same transaction.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	if err := pgcore.ValidateJSONObject(req.Data); err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}
	if err := pgcore.ValidateJSONObject(req.Metadata); err != nil {
		return nil, fmt.Errorf("event metadata: %w", err)
	}

	var event *Event

	err := s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var registered bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.q("event_types")+` WHERE category = $1 AND id = $2)`,
			req.Category, req.Type,
		).Scan(&registered); err != nil {
			return err
		}
		if !registered {
			return pgcore.InvalidEventTypeError{Category: req.Category, EventType: req.Type}
		}

		created, err := s.ensureStream(ctx, tx, req.StreamID, req.Category)
		if err != nil {
			return err
		}

		var currentVersion int64
		if err := tx.QueryRowContext(ctx,
			`SELECT version FROM `+s.q("streams")+` WHERE id = $1 FOR UPDATE`,
			req.StreamID,
		).Scan(&currentVersion); err != nil {
			return err
		}

		if req.ExpectedVersion != nil {
			expected := *req.ExpectedVersion
			switch {
			case expected == -1:
				if !created || currentVersion != 0 {
					return pgcore.ConcurrencyConflictError{Entity: req.StreamID, ExpectedVersion: -1, ActualVersion: currentVersion}
				}
			case expected != currentVersion:
				return pgcore.ConcurrencyConflictError{Entity: req.StreamID, ExpectedVersion: expected, ActualVersion: currentVersion}
			}
		}

		data := req.Data
		if data == nil {
			data = []byte(`{}`)
		}
		metadata := req.Metadata
		if metadata == nil {
			metadata = []byte(`{}`)
		}

		nextVersion := currentVersion + 1
		eventID := uuid.New().String()

		var e Event
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO `+s.q("events")+` (id, stream, stream_version, category, type, data, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING position, id, stream, stream_version, category, type, data, metadata, created_at`,
			eventID, req.StreamID, nextVersion, req.Category, req.Type, []byte(data), []byte(metadata),
		).Scan(&e.Position, &e.ID, &e.Stream, &e.StreamVersion, &e.Category, &e.Type, &e.Data, &e.Metadata, &e.CreatedAt); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE `+s.q("streams")+` SET version = $2 WHERE id = $1`,
			req.StreamID, nextVersion,
		); err != nil {
			return err
		}

		event = &e
		return nil
	})
	if err != nil {
		if _, ok := err.(pgcore.ConcurrencyConflictError); ok {
			s.logger.LogConcurrencyConflict(req.StreamID)
		}
		return nil, err
	}

	s.logger.LogAppend(event)
	return event, nil
}

// ensureStream creates the stream row with version 0 if it does not exist.
// Returns true if this call created it.
func (s *Store) ensureStream(ctx context.Context, tx *sql.Tx, streamID, category string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO `+s.q("streams")+` (id, category) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		streamID, category,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
