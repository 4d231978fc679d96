package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crewline/chorus/internal/bus"
	"github.com/google/uuid"
)

// CreateTask inserts a pending task owned by agentID. At most one task per
// agent may be pending or running; a second one fails with ErrTaskActive.
func (s *Store) CreateTask(ctx context.Context, agentID, description string) (Task, error) {
	taskID := uuid.NewString()
	var created Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks
			WHERE agent_id = ? AND status IN (?, ?);
		`, agentID, StatusPending, StatusRunning).Scan(&active); err != nil {
			return fmt.Errorf("count active tasks: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: agent %s", ErrTaskActive, agentID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, description, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, agentID, description, StatusPending); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, taskID, "", StatusPending, "task.created", "{}"); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, taskSelect+`WHERE id = ?;`, taskID)
		if err := scanTask(row.Scan, &created); err != nil {
			return fmt.Errorf("read created task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
			TaskID: taskID, AgentID: agentID, NewStatus: string(StatusPending),
		})
	}
	return created, nil
}

// StartTask moves a pending task to running. Starting an already-running task
// is a no-op; starting a completed task fails with ErrInvalidTransition.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	var agentID string
	var from Status
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTx(ctx, tx, taskID, []Status{StatusPending}, StatusRunning, "task.started", "{}")
		if err != nil {
			return err
		}
		if !ok {
			if current == StatusRunning {
				return nil // already started
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, StatusRunning)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, taskID, StatusRunning); err != nil {
			return fmt.Errorf("set started_at: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT agent_id FROM tasks WHERE id = ?;`, taskID).Scan(&agentID); err != nil {
			return fmt.Errorf("read task owner: %w", err)
		}
		from = current
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if from == StatusPending {
		s.publishStateChange(taskID, agentID, StatusPending, StatusRunning)
	}
	return nil
}

// CompleteTask moves a task to completed with its summary and outcome.
// Both pending and running tasks may complete; completing a task that is
// already completed is a silent no-op, so the terminal write is idempotent.
func (s *Store) CompleteTask(ctx context.Context, taskID, summary string, failed bool) error {
	var agentID string
	var from Status
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		detail := `{"failed":false}`
		if failed {
			detail = `{"failed":true}`
		}
		current, ok, err := s.transitionTx(ctx, tx, taskID, []Status{StatusPending, StatusRunning}, StatusCompleted, "task.completed", detail)
		if err != nil {
			return err
		}
		if !ok {
			if current == StatusCompleted {
				applied = false
				return nil
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, StatusCompleted)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET summary = ?, failed = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, summary, failed, taskID, StatusCompleted); err != nil {
			return fmt.Errorf("set completion outcome: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT agent_id FROM tasks WHERE id = ?;`, taskID).Scan(&agentID); err != nil {
			return fmt.Errorf("read task owner: %w", err)
		}
		from = current
		applied = true
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if applied {
		s.publishStateChange(taskID, agentID, from, StatusCompleted)
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
				TaskID: taskID, AgentID: agentID, Summary: summary, Failed: failed,
			})
		}
	}
	return nil
}

// AttachChangeRef records the commit reference produced while working on the task.
func (s *Store) AttachChangeRef(ctx context.Context, taskID, changeRef string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin attach ref tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read task status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET change_ref = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, changeRef, taskID); err != nil {
			return fmt.Errorf("attach change ref: %w", err)
		}
		detail := fmt.Sprintf(`{"change_ref":%q}`, changeRef)
		if err := s.appendEventTx(ctx, tx, taskID, status, status, "task.change_ref", detail); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const taskSelect = `
	SELECT id, agent_id, description, status, summary, failed, change_ref,
		created_at, started_at, completed_at, updated_at
	FROM tasks
`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var startedAt, completedAt sql.NullTime
	if err := scan(
		&t.ID,
		&t.AgentID,
		&t.Description,
		&t.Status,
		&t.Summary,
		&t.Failed,
		&t.ChangeRef,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return nil
}

// GetTask returns the task with the given ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, taskSelect+`WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ActiveTaskForAgent returns the agent's pending or running task, or nil.
func (s *Store) ActiveTaskForAgent(ctx context.Context, agentID string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, taskSelect+`
		WHERE agent_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC
		LIMIT 1;
	`, agentID, StatusPending, StatusRunning)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active task for agent: %w", err)
	}
	return &t, nil
}

// ListTasks returns the most recently updated tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		ORDER BY updated_at DESC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByStatus returns tasks in the given status, newest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountByStatus returns task counts per status for status output.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return counts, nil
}

// ListEvents returns the audit rows for one task, oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, detail, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RecentEvents returns the latest audit rows across all tasks, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, detail, created_at
		FROM task_events
		ORDER BY event_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent task events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = Status(stateFrom)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
