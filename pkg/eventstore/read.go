// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

const eventColumns = "position, id, stream, stream_version, category, type, data, metadata, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var e Event
	if err := row.Scan(&e.Position, &e.ID, &e.Stream, &e.StreamVersion, &e.Category, &e.Type, &e.Data, &e.Metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReadStream reads a single stream's events strictly ordered by
// stream_version, starting after fromVersion. A Backward read returns the
// versions below fromVersion, newest first; with fromVersion 0 it starts
// from the stream's newest event.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64, limit int, direction Direction) ([]Event, error) {
	order := "ASC"
	cmp := ">"
	if direction == Backward {
		order = "DESC"
		cmp = "<"
		if fromVersion == 0 {
			fromVersion = math.MaxInt64
		}
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+s.q("events")+`
		 WHERE stream = $1 AND stream_version `+cmp+` $2
		 ORDER BY stream_version `+order+`
		 LIMIT $3`,
		streamID, fromVersion, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ReadAll reads the global log ordered by position, optionally filtered by
// event type and/or stream.
func (s *Store) ReadAll(ctx context.Context, fromPosition int64, limit int, filterTypes, filterStreams []string) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+s.q("events")+`
		 WHERE position > $1
		   AND ($2::text[] IS NULL OR type = ANY($2))
		   AND ($3::uuid[] IS NULL OR stream = ANY($3))
		 ORDER BY position ASC
		 LIMIT $4`,
		fromPosition, nullableArray(filterTypes), nullableArray(filterStreams), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ReadByCategory reads a category's events ordered by position.
func (s *Store) ReadByCategory(ctx context.Context, category string, fromPosition int64, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+s.q("events")+`
		 WHERE category = $1 AND position > $2
		 ORDER BY position ASC
		 LIMIT $3`,
		category, fromPosition, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ReadByType reads a single event type's events ordered by position.
func (s *Store) ReadByType(ctx context.Context, category, eventType string, fromPosition int64, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+s.q("events")+`
		 WHERE category = $1 AND type = $2 AND position > $3
		 ORDER BY position ASC
		 LIMIT $4`,
		category, eventType, fromPosition, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// GetEvent looks up a single event by its id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.conn.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM `+s.q("events")+` WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, pgcore.NotFoundError{Kind: "event", ID: id}
	}
	return e, err
}

// GetEventAtPosition looks up a single event by its global position.
func (s *Store) GetEventAtPosition(ctx context.Context, position int64) (*Event, error) {
	row := s.conn.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM `+s.q("events")+` WHERE position = $1`, position)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, pgcore.NotFoundError{Kind: "event", ID: fmt.Sprintf("%d", position)}
	}
	return e, err
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// nullableArray returns nil for an empty slice so the SQL-side `IS NULL`
// filter bypass applies, else a driver-valued array.
func nullableArray(vs []string) any {
	if len(vs) == 0 {
		return nil
	}
	return pq.Array(vs)
}
