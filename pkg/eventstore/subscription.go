// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// CreateSubscription registers a new named cursor into the log, optionally
// filtered by event type and/or stream.
func (s *Store) CreateSubscription(ctx context.Context, name string, filterTypes, filterStreams []string) (*Subscription, error) {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO `+s.q("subscriptions")+` (name, filter_types, filter_streams)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING`,
		name, nullableArray(filterTypes), nullableArray(filterStreams),
	)
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, name)
}

// GetSubscription looks up a subscription by name.
func (s *Store) GetSubscription(ctx context.Context, name string) (*Subscription, error) {
	var sub Subscription
	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT name, filter_types, filter_streams, last_position, last_processed_at, active, created_at
		 FROM `+s.q("subscriptions")+` WHERE name = $1`,
		name,
	).Scan(&sub.Name, pq.Array(&sub.FilterTypes), pq.Array(&sub.FilterStreams), &sub.LastPosition, &sub.LastProcessedAt, &sub.Active, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, pgcore.NotFoundError{Kind: "subscription", ID: name}
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Poll claims up to batchSize unclaimed events strictly after the
// subscription's last_position that satisfy its filters, using
// FOR UPDATE SKIP LOCKED so concurrent pollers never observe the same
// event.
func (s *Store) Poll(ctx context.Context, subscription string, batchSize int, claimTimeout time.Duration) ([]Event, error) {
	var events []Event

	err := s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var lastPosition int64
		var filterTypes, filterStreams []string
		if err := tx.QueryRowContext(ctx,
			`SELECT last_position, filter_types, filter_streams FROM `+s.q("subscriptions")+` WHERE name = $1 FOR UPDATE`,
			subscription,
		).Scan(&lastPosition, pq.Array(&filterTypes), pq.Array(&filterStreams)); err != nil {
			if err == sql.ErrNoRows {
				return pgcore.NotFoundError{Kind: "subscription", ID: subscription}
			}
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM `+s.q("events")+` e
			 WHERE e.position > $1
			   AND ($2::text[] IS NULL OR e.type = ANY($2))
			   AND ($3::uuid[] IS NULL OR e.stream = ANY($3))
			   AND NOT EXISTS (
			       SELECT 1 FROM `+s.q("event_claims")+` c
			       WHERE c.subscription = $4 AND c.position = e.position
			   )
			 ORDER BY e.position ASC
			 LIMIT $5
			 FOR UPDATE OF e SKIP LOCKED`,
			lastPosition, nullableArray(filterTypes), nullableArray(filterStreams), subscription, batchSize,
		)
		if err != nil {
			return err
		}
		events, err = collectEvents(rows)
		if err != nil {
			return err
		}

		for _, e := range events {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+s.q("event_claims")+` (subscription, position, expires_at)
				 VALUES ($1, $2, $3)`,
				subscription, e.Position, time.Now().Add(claimTimeout),
			); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.LogPoll(subscription, len(events))
	return events, nil
}

// Ack releases the claim on (subscription, position) and advances
// last_position monotonically: an ack for a position at or before the
// current cursor is treated as idempotent success rather than a
// regression.
func (s *Store) Ack(ctx context.Context, subscription string, position int64) error {
	err := s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+s.q("event_claims")+` WHERE subscription = $1 AND position = $2`,
			subscription, position,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE `+s.q("subscriptions")+`
			 SET last_position = GREATEST(last_position, $2), last_processed_at = clock_timestamp()
			 WHERE name = $1`,
			subscription, position,
		)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.LogAck(subscription, position)
	return nil
}

// CleanupExpiredClaims deletes every claim whose lease has expired,
// making those events reclaimable by any worker.
func (s *Store) CleanupExpiredClaims(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM `+s.q("event_claims")+` WHERE expires_at < clock_timestamp()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupSubscriptionClaims deletes all claims held by one subscription,
// for recovery after a worker crash.
func (s *Store) CleanupSubscriptionClaims(ctx context.Context, subscription string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM `+s.q("event_claims")+` WHERE subscription = $1`, subscription)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
