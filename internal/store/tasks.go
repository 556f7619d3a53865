package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sanad/internal/core"
)

// ClaimAsyncTask is the atomic claim: a single conditional update that
// transitions PENDING -> RUNNING and increments attempts. The returned task
// (in particular its post-increment Attempts) is the sole authority for
// every downstream retry decision; callers must never recompute attempts
// themselves. Returns nil, nil if the task does not exist, is not due yet,
// or was already claimed by another worker.
func (s *Store) ClaimAsyncTask(ctx context.Context, taskID string, now time.Time) (*core.AsyncTask, error) {
	var task *core.AsyncTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE async_tasks
			SET status = 'RUNNING', attempts = attempts + 1, updated_at = ?
			WHERE task_id = ? AND status = 'PENDING' AND next_run_at <= ?`,
			nowStr(now), taskID, nowStr(now),
		)
		if err != nil {
			return fmt.Errorf("claim async task: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return nil // lost the race, or task not due, or unknown id
		}

		row := tx.QueryRowContext(ctx, `
			SELECT task_id, task_type, entity_id, status, attempts, next_run_at, last_error, created_at, updated_at
			FROM async_tasks WHERE task_id = ?`, taskID)
		t, scanErr := scanTask(row)
		if scanErr != nil {
			return scanErr
		}
		task = &t
		return nil
	})
	return task, err
}

// MarkTaskDone transitions a task RUNNING -> DONE. Guarded by current
// status = RUNNING; a zero-rows-affected result is a harmless race (another
// worker's retry already moved it) and is logged, not returned as an error.
func (s *Store) MarkTaskDone(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE async_tasks SET status = 'DONE', updated_at = ? WHERE task_id = ? AND status = 'RUNNING'`,
			nowStr(time.Now()), taskID,
		)
		if err != nil {
			return fmt.Errorf("mark task done: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			s.logger.Warn("mark_task_done affected no rows", "task_id", taskID)
		}
		return nil
	})
}

// MarkTaskRetry transitions a task RUNNING -> PENDING with a new
// next_run_at and records the error. Guarded by status = RUNNING.
func (s *Store) MarkTaskRetry(ctx context.Context, taskID, errCode, errMsg string, nextRunAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE async_tasks
			SET status = 'PENDING', next_run_at = ?, last_error = ?, updated_at = ?
			WHERE task_id = ? AND status = 'RUNNING'`,
			nowStr(nextRunAt), fmt.Sprintf("%s: %s", errCode, errMsg), nowStr(time.Now()), taskID,
		)
		if err != nil {
			return fmt.Errorf("mark task retry: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			s.logger.Warn("mark_task_retry affected no rows", "task_id", taskID)
		}
		return nil
	})
}

// MarkTaskFailedPermanent transitions a task RUNNING -> FAILED (the worker
// has exhausted MAX_ATTEMPTS) and, only if that row update actually took
// effect, flags the associated position FLAG_ASYNC_FAILED_PERMANENT.
func (s *Store) MarkTaskFailedPermanent(ctx context.Context, taskID, errCode, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var entityID string
		if err := tx.QueryRowContext(ctx, `SELECT entity_id FROM async_tasks WHERE task_id = ?`, taskID).Scan(&entityID); err != nil {
			return fmt.Errorf("lookup task entity: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE async_tasks
			SET status = 'FAILED', last_error = ?, updated_at = ?
			WHERE task_id = ? AND status = 'RUNNING'`,
			fmt.Sprintf("%s: %s", errCode, errMsg), nowStr(time.Now()), taskID,
		)
		if err != nil {
			return fmt.Errorf("mark task failed: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			s.logger.Warn("mark_task_failed affected no rows", "task_id", taskID)
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE positions SET risk_flag = ?, updated_at = ? WHERE position_id = ?`,
			core.FlagAsyncFailedPermanent, nowStr(time.Now()), entityID,
		); err != nil {
			return fmt.Errorf("flag position after permanent task failure: %w", err)
		}
		return nil
	})
}

// PollPendingTasks returns up to limit tasks that are PENDING and due
// (next_run_at <= now), oldest-first.
func (s *Store) PollPendingTasks(ctx context.Context, limit int, now time.Time) ([]core.AsyncTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_type, entity_id, status, attempts, next_run_at, last_error, created_at, updated_at
		FROM async_tasks
		WHERE status = 'PENDING' AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, nowStr(now), limit)
	if err != nil {
		return nil, fmt.Errorf("poll pending tasks: %w", err)
	}
	defer rows.Close()

	var out []core.AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (core.AsyncTask, error) {
	var t core.AsyncTask
	var nextRunAt, createdAt, updatedAt string
	var lastError sql.NullString
	err := row.Scan(&t.TaskID, &t.TaskType, &t.EntityID, &t.Status, &t.Attempts, &nextRunAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return t, fmt.Errorf("scan async task: %w", err)
	}
	t.NextRunAt = parseTime(nextRunAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.LastError = lastError.String
	return t, nil
}
