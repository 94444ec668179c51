package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type taskRepo struct {
	db *DB
}

const taskColumns = `id, task_key, user_id, kind, timezone, status, scheduled_at, executed_at,
	completed_at, next_retry_at, attempt_count, max_attempts, quota_reserved, success_count,
	total_count, error_message, created_at, updated_at`

// Create inserts t unless a task with the same key exists. It reports
// whether a row was inserted and fills t from the stored row either way.
func (r *taskRepo) Create(ctx context.Context, t *Task) (bool, error) {
	now := time.Now().UTC()
	if !t.CreatedAt.IsZero() {
		now = t.CreatedAt.UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}

	var created bool
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO fetch_tasks
			 (task_key, user_id, kind, timezone, status, scheduled_at, max_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(task_key) DO NOTHING`,
			t.Key, t.UserID, t.Kind, t.Timezone, t.Status, t.ScheduledAt.UTC(), t.MaxAttempts, now, now)
		if err != nil {
			return fmt.Errorf("failed to create task %s: %w", t.Key, err)
		}
		n, _ := res.RowsAffected()
		created = n > 0

		stored, err := r.getBy(ctx, tx, "task_key", t.Key)
		if err != nil {
			return err
		}
		*t = *stored
		return nil
	})
	return created, err
}

func (r *taskRepo) Get(ctx context.Context, id int64) (*Task, error) {
	return r.getBy(ctx, r.db.db, "id", id)
}

func (r *taskRepo) GetByKey(ctx context.Context, key string) (*Task, error) {
	return r.getBy(ctx, r.db.db, "task_key", key)
}

func (r *taskRepo) getBy(ctx context.Context, q querier, column string, value any) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM fetch_tasks WHERE "+column+" = ?", value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by %s: %w", column, err)
	}
	return t, nil
}

// Claim moves a pending task with attempts left to running and counts the
// attempt. It returns false when another worker got there first.
func (r *taskRepo) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.update(ctx,
		`UPDATE fetch_tasks SET status = 'running', attempt_count = attempt_count + 1,
		   executed_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND attempt_count < max_attempts`,
		now.UTC(), now.UTC(), id)
}


// Finish moves a running task to a terminal status.
func (r *taskRepo) Finish(ctx context.Context, id int64, status string, successCount, totalCount int, errMsg string, now time.Time) (bool, error) {
	if status != TaskSuccess && status != TaskFailed {
		return false, fmt.Errorf("finish task: %q is not a terminal status", status)
	}
	return r.update(ctx,
		`UPDATE fetch_tasks SET status = ?, success_count = ?, total_count = ?, error_message = ?,
		   completed_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, successCount, totalCount, errMsg, now.UTC(), now.UTC(), id)
}

// ScheduleRetry returns a running task to pending with a retry time.
func (r *taskRepo) ScheduleRetry(ctx context.Context, id int64, nextRetry time.Time, successCount, totalCount int, errMsg string, now time.Time) (bool, error) {
	return r.update(ctx,
		`UPDATE fetch_tasks SET status = 'pending', next_retry_at = ?, success_count = ?, total_count = ?,
		   error_message = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND attempt_count < max_attempts`,
		nextRetry.UTC(), successCount, totalCount, errMsg, now.UTC(), id)
}

func (r *taskRepo) Cancel(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	return r.update(ctx,
		`UPDATE fetch_tasks SET status = 'cancelled', error_message = ?, completed_at = ?,
		   next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		reason, now.UTC(), now.UTC(), id)
}

// ListFresh returns pending tasks that have never been attempted and are due.
func (r *taskRepo) ListFresh(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	return r.list(ctx,
		`WHERE status = 'pending' AND attempt_count = 0 AND next_retry_at IS NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at, id LIMIT ?`, now.UTC(), limit)
}

// ListRetryDue returns pending tasks whose retry time has come.
func (r *taskRepo) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	return r.list(ctx,
		`WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		   AND attempt_count < max_attempts
		 ORDER BY next_retry_at, id LIMIT ?`, now.UTC(), limit)
}

// RecoverRunning resets tasks left running by a previous process. Tasks with
// attempts left become pending and due now; the rest fail.
func (r *taskRepo) RecoverRunning(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	var n int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE fetch_tasks SET status = 'pending', next_retry_at = ?,
			   error_message = 'interrupted by shutdown', updated_at = ?
			 WHERE status = 'running' AND attempt_count < max_attempts`, now, now)
		if err != nil {
			return fmt.Errorf("failed to recover running tasks: %w", err)
		}
		n, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`UPDATE fetch_tasks SET status = 'failed', completed_at = ?,
			   error_message = 'interrupted by shutdown after final attempt', updated_at = ?
			 WHERE status = 'running'`, now, now)
		if err != nil {
			return fmt.Errorf("failed to fail interrupted tasks: %w", err)
		}
		failed, _ := res.RowsAffected()
		n += failed
		return nil
	})
	return n, err
}

func (r *taskRepo) List(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	return r.list(ctx, clause+" ORDER BY created_at DESC, id DESC LIMIT ?", args...)
}

func (r *taskRepo) list(ctx context.Context, clause string, args ...any) ([]Task, error) {
	rows, err := r.db.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM fetch_tasks "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *taskRepo) update(ctx context.Context, query string, args ...any) (bool, error) {
	var changed bool
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

func scanTask(s rowScanner) (*Task, error) {
	var t Task
	var executed, completed, nextRetry sql.NullTime
	if err := s.Scan(&t.ID, &t.Key, &t.UserID, &t.Kind, &t.Timezone, &t.Status, &t.ScheduledAt,
		&executed, &completed, &nextRetry, &t.AttemptCount, &t.MaxAttempts, &t.QuotaReserved,
		&t.SuccessCount, &t.TotalCount, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ExecutedAt = nullTimePtr(executed)
	t.CompletedAt = nullTimePtr(completed)
	t.NextRetryAt = nullTimePtr(nextRetry)
	return &t, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
