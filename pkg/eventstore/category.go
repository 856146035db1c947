// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
)

// RegisterCategory declares a category id. Registration is idempotent.
func (s *Store) RegisterCategory(ctx context.Context, category string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO `+s.q("categories")+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		category,
	)
	return err
}

// RegisterEventType declares an event type scoped to a category. The
// category must already be registered.
func (s *Store) RegisterEventType(ctx context.Context, category, eventType string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO `+s.q("event_types")+` (category, id) VALUES ($1, $2) ON CONFLICT (category, id) DO NOTHING`,
		category, eventType,
	)
	return err
}

// UnregisterCategory removes a category and, by foreign key cascade, every
// event type scoped to it. Events, streams and aggregate definitions are
// not cascaded: while any of them still references the category or one of
// its event types, the delete fails with a foreign key violation and
// nothing is removed.
func (s *Store) UnregisterCategory(ctx context.Context, category string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM `+s.q("categories")+` WHERE id = $1`, category)
	return err
}

func (s *Store) eventTypeRegistered(ctx context.Context, category, eventType string) (bool, error) {
	var exists bool
	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.q("event_types")+` WHERE category = $1 AND id = $2)`,
		category, eventType,
	).Scan(&exists)
	return exists, err
}
