package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type subscriptionRepo struct {
	db *DB
}

const subscriptionColumns = `id, user_id, url, custom_name, platform, is_active, etag, last_modified,
	last_fetched_at, last_error, created_at`

// Add subscribes the user to s.URL. Subscribing twice returns the existing id
// and refreshes the name when a new one is given.
func (r *subscriptionRepo) Add(ctx context.Context, s *Subscription, now time.Time) (int64, error) {
	var id int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO subscriptions (user_id, url, custom_name, platform, is_active, created_at)
			 VALUES (?, ?, ?, ?, 1, ?)
			 ON CONFLICT(user_id, url) DO UPDATE SET
			   custom_name = CASE WHEN excluded.custom_name != '' THEN excluded.custom_name ELSE subscriptions.custom_name END
			 RETURNING id`,
			s.UserID, s.URL, s.CustomName, s.Platform, now.UTC()).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add subscription %s: %w", s.URL, err)
	}
	s.ID = id
	return id, nil
}

func (r *subscriptionRepo) Get(ctx context.Context, id int64) (*Subscription, error) {
	s, err := scanSubscription(r.db.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %d: %w", id, err)
	}
	return s, nil
}

// ListForUser returns every subscription of the user, active or not.
func (r *subscriptionRepo) ListForUser(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := r.db.db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *subscriptionRepo) SetActive(ctx context.Context, id int64, active bool) error {
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE subscriptions SET is_active = ? WHERE id = ?", active, id)
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordFetch stores the cache validators and outcome of a fetch. Empty
// validators leave the stored ones in place.
func (r *subscriptionRepo) RecordFetch(ctx context.Context, id int64, etag, lastModified string, fetchErr error, now time.Time) error {
	var errMsg any
	if fetchErr != nil {
		errMsg = fetchErr.Error()
	}
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET
			   etag = CASE WHEN ? != '' THEN ? ELSE etag END,
			   last_modified = CASE WHEN ? != '' THEN ? ELSE last_modified END,
			   last_fetched_at = ?, last_error = ?
			 WHERE id = ?`,
			etag, etag, lastModified, lastModified, now.UTC(), errMsg, id)
		if err != nil {
			return fmt.Errorf("failed to record subscription fetch: %w", err)
		}
		return nil
	})
}

func scanSubscription(s rowScanner) (*Subscription, error) {
	var sub Subscription
	var fetched sql.NullTime
	var lastErr sql.NullString
	if err := s.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.CustomName, &sub.Platform, &sub.IsActive,
		&sub.ETag, &sub.LastModified, &fetched, &lastErr, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.LastFetchedAt = nullTimePtr(fetched)
	if lastErr.Valid {
		sub.LastError = &lastErr.String
	}
	return &sub, nil
}
