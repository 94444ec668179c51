package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type fetchConfigRepo struct {
	db *DB
}

const fetchConfigColumns = `user_id, auto_fetch_enabled, frequency, preferred_hour, timezone,
	daily_limit, is_active, created_at, updated_at`

// GetOrCreate returns the user's config, inserting defaults on first use.
func (r *fetchConfigRepo) GetOrCreate(ctx context.Context, defaults FetchConfig, now time.Time) (*FetchConfig, error) {
	cfg, err := r.get(ctx, r.db.db, defaults.UserID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return cfg, err
	}

	now = now.UTC()
	err = r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_fetch_configs
			 (user_id, auto_fetch_enabled, frequency, preferred_hour, timezone, daily_limit, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id) DO NOTHING`,
			defaults.UserID, defaults.AutoFetchEnabled, defaults.Frequency, defaults.PreferredHour,
			defaults.Timezone, defaults.DailyLimit, defaults.IsActive, now, now)
		if err != nil {
			return fmt.Errorf("failed to create fetch config: %w", err)
		}
		cfg, err = r.get(ctx, tx, defaults.UserID)
		return err
	})
	return cfg, err
}

func (r *fetchConfigRepo) get(ctx context.Context, q querier, userID int64) (*FetchConfig, error) {
	cfg, err := scanFetchConfig(q.QueryRowContext(ctx,
		"SELECT "+fetchConfigColumns+" FROM user_fetch_configs WHERE user_id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fetch config for user %d: %w", userID, err)
	}
	return cfg, nil
}

// Save writes every field of cfg except created_at.
func (r *fetchConfigRepo) Save(ctx context.Context, cfg *FetchConfig, now time.Time) error {
	now = now.UTC()
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_fetch_configs
			 (user_id, auto_fetch_enabled, frequency, preferred_hour, timezone, daily_limit, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   auto_fetch_enabled = excluded.auto_fetch_enabled,
			   frequency = excluded.frequency,
			   preferred_hour = excluded.preferred_hour,
			   timezone = excluded.timezone,
			   daily_limit = excluded.daily_limit,
			   is_active = excluded.is_active,
			   updated_at = excluded.updated_at`,
			cfg.UserID, cfg.AutoFetchEnabled, cfg.Frequency, cfg.PreferredHour, cfg.Timezone,
			cfg.DailyLimit, cfg.IsActive, now, now)
		if err != nil {
			return fmt.Errorf("failed to save fetch config: %w", err)
		}
		cfg.UpdatedAt = now
		return nil
	})
}

// ListAutoEnabled returns the active configs with automatic fetching on.
func (r *fetchConfigRepo) ListAutoEnabled(ctx context.Context) ([]FetchConfig, error) {
	rows, err := r.db.db.QueryContext(ctx,
		"SELECT "+fetchConfigColumns+` FROM user_fetch_configs
		 WHERE auto_fetch_enabled = 1 AND is_active = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list auto fetch configs: %w", err)
	}
	defer rows.Close()

	var out []FetchConfig
	for rows.Next() {
		cfg, err := scanFetchConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// Disable soft-disables the config. The row is kept.
func (r *fetchConfigRepo) Disable(ctx context.Context, userID int64, now time.Time) error {
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE user_fetch_configs SET is_active = 0, auto_fetch_enabled = 0, updated_at = ?
			 WHERE user_id = ?`, now.UTC(), userID)
		if err != nil {
			return fmt.Errorf("failed to disable fetch config: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanFetchConfig(s rowScanner) (*FetchConfig, error) {
	var cfg FetchConfig
	if err := s.Scan(&cfg.UserID, &cfg.AutoFetchEnabled, &cfg.Frequency, &cfg.PreferredHour, &cfg.Timezone,
		&cfg.DailyLimit, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}
