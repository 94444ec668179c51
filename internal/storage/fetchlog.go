package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type fetchLogRepo struct {
	db *DB
}

const fetchLogColumns = `user_id, fetch_date, fetch_count, auto_fetch_count, manual_fetch_count,
	last_fetch_at, last_fetch_success`

func (r *fetchLogRepo) Get(ctx context.Context, userID int64, date string) (*FetchLog, error) {
	return r.get(ctx, r.db.db, userID, date)
}

func (r *fetchLogRepo) get(ctx context.Context, q querier, userID int64, date string) (*FetchLog, error) {
	l, err := scanFetchLog(q.QueryRowContext(ctx,
		"SELECT "+fetchLogColumns+" FROM user_fetch_logs WHERE user_id = ? AND fetch_date = ?",
		userID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fetch log: %w", err)
	}
	return l, nil
}

// Reserve consumes one unit of the day's quota for kind if fewer than limit
// have been used. The read, the check and the increment happen in one
// IMMEDIATE transaction, so two callers can never both take the last slot.
// The returned log reflects the state after the call; reserved is false when
// the limit was already reached, in which case nothing was written.
func (r *fetchLogRepo) Reserve(ctx context.Context, userID int64, date, kind string, limit int) (*FetchLog, bool, error) {
	var out *FetchLog
	var reserved bool
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, reserved, err = r.reserve(ctx, tx, userID, date, kind, limit)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, reserved, nil
}

// ReserveForTask is Reserve charged to one fetch task. The task's
// quota_reserved flag is set in the same transaction as the increment, and
// a task whose flag is already set is reported as reserved without being
// charged again.
func (r *fetchLogRepo) ReserveForTask(ctx context.Context, taskID, userID int64, date, kind string, limit int, now time.Time) (*FetchLog, bool, error) {
	var out *FetchLog
	var reserved bool
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		var already bool
		err := tx.QueryRowContext(ctx,
			"SELECT quota_reserved FROM fetch_tasks WHERE id = ? AND user_id = ?", taskID, userID).Scan(&already)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reserve quota for task %d: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reserve quota for task %d: %w", taskID, err)
		}
		if already {
			out, err = r.get(ctx, tx, userID, date)
			if errors.Is(err, ErrNotFound) {
				out, err = &FetchLog{UserID: userID, Date: date}, nil
			}
			reserved = err == nil
			return err
		}

		out, reserved, err = r.reserve(ctx, tx, userID, date, kind, limit)
		if err != nil || !reserved {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE fetch_tasks SET quota_reserved = 1, updated_at = ? WHERE id = ?", now.UTC(), taskID); err != nil {
			return fmt.Errorf("failed to mark quota reserved for task %d: %w", taskID, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, reserved, nil
}

func (r *fetchLogRepo) reserve(ctx context.Context, tx *sql.Tx, userID int64, date, kind string, limit int) (*FetchLog, bool, error) {
	var autoInc, manualInc int
	switch kind {
	case KindAuto:
		autoInc = 1
	case KindManual:
		manualInc = 1
	default:
		return nil, false, fmt.Errorf("unknown fetch kind %q", kind)
	}

	current, err := r.get(ctx, tx, userID, date)
	if errors.Is(err, ErrNotFound) {
		current = &FetchLog{UserID: userID, Date: date}
	} else if err != nil {
		return nil, false, err
	}
	if current.FetchCount >= limit {
		return current, false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_fetch_logs (user_id, fetch_date, fetch_count, auto_fetch_count, manual_fetch_count)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(user_id, fetch_date) DO UPDATE SET
		   fetch_count = fetch_count + 1,
		   auto_fetch_count = auto_fetch_count + excluded.auto_fetch_count,
		   manual_fetch_count = manual_fetch_count + excluded.manual_fetch_count`,
		userID, date, autoInc, manualInc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to increment fetch log: %w", err)
	}
	out, err := r.get(ctx, tx, userID, date)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// RecordResult stamps the outcome of the latest fetch. Counters are untouched.
func (r *fetchLogRepo) RecordResult(ctx context.Context, userID int64, date string, success bool, now time.Time) error {
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_fetch_logs (user_id, fetch_date, last_fetch_at, last_fetch_success)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id, fetch_date) DO UPDATE SET
			   last_fetch_at = excluded.last_fetch_at,
			   last_fetch_success = excluded.last_fetch_success`,
			userID, date, now.UTC(), success)
		if err != nil {
			return fmt.Errorf("failed to record fetch result: %w", err)
		}
		return nil
	})
}

// History returns the rows on or after sinceDate, newest first.
func (r *fetchLogRepo) History(ctx context.Context, userID int64, sinceDate string) ([]FetchLog, error) {
	rows, err := r.db.db.QueryContext(ctx,
		"SELECT "+fetchLogColumns+` FROM user_fetch_logs
		 WHERE user_id = ? AND fetch_date >= ? ORDER BY fetch_date DESC`, userID, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("get fetch history: %w", err)
	}
	defer rows.Close()

	var out []FetchLog
	for rows.Next() {
		l, err := scanFetchLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *fetchLogRepo) Delete(ctx context.Context, userID int64, date string) (bool, error) {
	var deleted bool
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM user_fetch_logs WHERE user_id = ? AND fetch_date = ?", userID, date)
		if err != nil {
			return fmt.Errorf("failed to delete fetch log: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func scanFetchLog(s rowScanner) (*FetchLog, error) {
	var l FetchLog
	var lastAt sql.NullTime
	var lastOK sql.NullBool
	if err := s.Scan(&l.UserID, &l.Date, &l.FetchCount, &l.AutoFetchCount, &l.ManualFetchCount,
		&lastAt, &lastOK); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		l.LastFetchAt = &t
	}
	if lastOK.Valid {
		b := lastOK.Bool
		l.LastFetchSuccess = &b
	}
	return &l, nil
}
