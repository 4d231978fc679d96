// Package ledger is the durable task store. Tasks move pending -> running ->
// completed and never back; every transition appends a task_events row in the
// same transaction so the history survives crashes and restarts.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ch-v1-2026-05-20-task-ledger"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the three lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

// allowedTransitions holds the forward-only lifecycle. Completed is terminal;
// a repeated completion is absorbed as a no-op rather than listed here.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCompleted: {}, // fast path: finished in the acknowledgment turn
	},
	StatusRunning: {
		StatusCompleted: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

var (
	// ErrNotFound is returned when no task exists with the given ID.
	ErrNotFound = errors.New("ledger: task not found")

	// ErrTaskActive is returned when creating a task for an agent that
	// already owns a pending or running one.
	ErrTaskActive = errors.New("ledger: agent already has an active task")

	// ErrInvalidTransition is returned for downgrades such as
	// completed -> running.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Task is one delegated unit of work owned by a single agent.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	Failed      bool       `json:"failed,omitempty"`
	ChangeRef   string     `json:"change_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the task has reached its final state.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted
}

// Event is one audit row from task_events.
type Event struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom Status    `json:"state_from,omitempty"`
	StateTo   Status    `json:"state_to"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chorus", "chorus.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed')),
			summary TEXT NOT NULL DEFAULT '',
			failed INTEGER NOT NULL DEFAULT 0,
			change_ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to Status, eventType, detail string) error {
	if detail == "" {
		detail = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, detail, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), detail)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTx moves a task to the target status when its current status is in
// allowedFrom, appending the audit event in the same transaction. Returns the
// prior status and false when the task is not in an eligible state.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []Status, to Status, eventType, detail string) (Status, bool, error) {
	var current Status
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendEventTx(ctx, tx, taskID, current, to, eventType, detail); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) publishStateChange(taskID, agentID string, from, to Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		AgentID:   agentID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}
