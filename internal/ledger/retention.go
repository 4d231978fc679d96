package ledger

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks      int64 `json:"purged_tasks"`
	PurgedTaskEvents int64 `json:"purged_task_events"`
}

// RunRetention deletes completed tasks and task events older than the
// configured windows. Each category uses a separate DELETE with its own
// cutoff, and the job is idempotent.
func (s *Store) RunRetention(ctx context.Context, taskDays, eventDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskDays)
		// Events reference tasks, so purge them first.
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE task_id IN (SELECT id FROM tasks WHERE status = ? AND completed_at < ?);
		`, StatusCompleted, cutoff); err != nil {
			return result, fmt.Errorf("purge events of expired tasks: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks WHERE status = ? AND completed_at < ?;
		`, StatusCompleted, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()
	}

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	return result, nil
}

// CompleteStaleRunning completes, as failed, every running task with no
// ledger activity for maxAge. Returns the tasks it closed so callers can
// reactivate their owners.
func (s *Store) CompleteStaleRunning(ctx context.Context, maxAge time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := s.openTaskIDs(ctx, []Status{StatusRunning}, &cutoff)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("timed out after %s without completing", maxAge)
	return s.completeAll(ctx, stale, summary)
}

// RecoverInterrupted completes every task left pending or running by a prior
// process, marking it failed. Activation state does not survive a restart, so
// an open task has no worker behind it; closing it preserves the guarantee
// that delegated work always reaches a terminal state.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]Task, error) {
	open, err := s.openTaskIDs(ctx, []Status{StatusPending, StatusRunning}, nil)
	if err != nil {
		return nil, err
	}
	return s.completeAll(ctx, open, "interrupted by restart before completing")
}

func (s *Store) openTaskIDs(ctx context.Context, statuses []Status, updatedBefore *time.Time) ([]string, error) {
	placeholders := "?"
	args := []any{statuses[0]}
	for _, st := range statuses[1:] {
		placeholders += ", ?"
		args = append(args, st)
	}
	query := `
		SELECT id FROM tasks
		WHERE status IN (` + placeholders + `)`
	if updatedBefore != nil {
		query += ` AND updated_at < ?`
		args = append(args, *updatedBefore)
	}
	query += `
		ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale task rows: %w", err)
	}
	return ids, nil
}

func (s *Store) completeAll(ctx context.Context, taskIDs []string, summary string) ([]Task, error) {
	var closed []Task
	for _, id := range taskIDs {
		if err := s.CompleteTask(ctx, id, summary, true); err != nil {
			return closed, fmt.Errorf("complete task %s: %w", id, err)
		}
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return closed, err
		}
		closed = append(closed, t)
	}
	return closed, nil
}
