// Package statedb persists tasks in SQLite.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chorusdev/chorus/internal/task"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding tasks and engine bookkeeping.
// Safe for concurrent use within one process; separate processes (the
// engine and CLI commands) coordinate through WAL mode, the busy timeout
// and immediate write transactions.
type StateDB struct {
	db  *sql.DB
	pid int

	// writeMu serialises read-modify-write cycles inside this process so
	// they do not spin on SQLITE_BUSY against each other.
	writeMu sync.Mutex
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// database/sql pools connections, so per-connection settings go in the
	// DSN where the driver applies them to every new connection. Immediate
	// transactions take the write lock at BEGIN, so an UpdateTask read
	// cannot be invalidated by another writer.
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// connPragmas run on every pooled connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString(path)
	b.WriteString("?_txlock=immediate")
	for _, p := range connPragmas {
		b.WriteString("&_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct{ name, sql string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"tasks", `
			CREATE TABLE IF NOT EXISTS tasks (
				id                  TEXT PRIMARY KEY,
				title               TEXT NOT NULL,
				description         TEXT NOT NULL DEFAULT '',
				status              TEXT NOT NULL DEFAULT 'pending',
				agent_status        TEXT NOT NULL DEFAULT 'stopped',
				session_id          TEXT NOT NULL DEFAULT '',
				agent_session_id    TEXT NOT NULL DEFAULT '',
				stack_id            TEXT NOT NULL DEFAULT '',
				stack_name          TEXT NOT NULL DEFAULT '',
				permission_prompt   TEXT NOT NULL DEFAULT '',
				restart_count       INTEGER NOT NULL DEFAULT 0,
				continuation_count  INTEGER NOT NULL DEFAULT 0,
				last_output_summary TEXT NOT NULL DEFAULT '',
				failure_reason      TEXT NOT NULL DEFAULT '',
				created_at          INTEGER NOT NULL,
				updated_at          INTEGER NOT NULL,
				started_at          INTEGER NOT NULL DEFAULT 0,
				completed_at        INTEGER NOT NULL DEFAULT 0
			)`},
		{"tasks status index", `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`},
		{"tasks agent session index", `CREATE INDEX IF NOT EXISTS idx_tasks_agent_session ON tasks(agent_session_id)`},
		{"engine heartbeats", `
			CREATE TABLE IF NOT EXISTS engine_heartbeats (
				pid        INTEGER PRIMARY KEY,
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Tasks ---

const taskColumns = `
	id, title, description, status, agent_status,
	session_id, agent_session_id, stack_id, stack_name, permission_prompt,
	restart_count, continuation_count, last_output_summary, failure_reason,
	created_at, updated_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	t := &task.Task{}
	var status, agent string
	var created, updated, started, completed int64
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &agent,
		&t.SessionID, &t.AgentSessionID, &t.StackID, &t.StackName, &t.PermissionPrompt,
		&t.RestartCount, &t.ContinuationCount, &t.LastOutputSummary, &t.FailureReason,
		&created, &updated, &started, &completed,
	); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.AgentStatus = task.AgentStatus(agent)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.StartedAt = fromMillis(started)
	t.CompletedAt = fromMillis(completed)
	return t, nil
}

func taskArgs(t *task.Task) []any {
	return []any{
		t.ID, t.Title, t.Description, string(t.Status), string(t.AgentStatus),
		t.SessionID, t.AgentSessionID, t.StackID, t.StackName, t.PermissionPrompt,
		t.RestartCount, t.ContinuationCount, t.LastOutputSummary, t.FailureReason,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), toMillis(t.StartedAt), toMillis(t.CompletedAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateTask inserts a new task. The id must be unused.
func (s *StateDB) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return errors.New("statedb: create task: empty id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskArgs(t)...)
	if err != nil {
		return fmt.Errorf("statedb: create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task. Returns task.ErrNotFound when absent.
func (s *StateDB) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by creation time, restricted to the
// given statuses when any are passed.
func (s *StateDB) ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at, id`
	return s.queryTasks(ctx, query, args...)
}

func (s *StateDB) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query tasks: %w", err)
	}
	defer rows.Close()

	var result []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *StateDB) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("statedb: delete task %s: %w", id, err)
	}
	return nil
}

// UpdateTask loads a task, applies fn and writes the result back in one
// transaction. Returns task.ErrNotFound when the row is gone. When fn
// returns task.ErrNoChange nothing is written and the unmodified task is
// returned.
func (s *StateDB) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("statedb: begin update %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: load %s: %w", id, err)
	}

	orig := t.Clone()
	if err := fn(t); err != nil {
		if errors.Is(err, task.ErrNoChange) {
			return orig, nil
		}
		return nil, err
	}
	t.ID = id

	args := taskArgs(t)
	// Drop the id from the front and append it for the WHERE clause.
	args = append(args[1:], id)
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, agent_status = ?,
			session_id = ?, agent_session_id = ?, stack_id = ?, stack_name = ?, permission_prompt = ?,
			restart_count = ?, continuation_count = ?, last_output_summary = ?, failure_reason = ?,
			created_at = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("statedb: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("statedb: commit update %s: %w", id, err)
	}
	return t, nil
}

// FindByAgentSessionID returns the most recently updated task carrying the
// agent's session id.
func (s *StateDB) FindByAgentSessionID(ctx context.Context, agentSessionID string) (*task.Task, error) {
	if agentSessionID == "" {
		return nil, fmt.Errorf("%w: empty agent session id", task.ErrNotFound)
	}
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_session_id = ? ORDER BY updated_at DESC LIMIT 1`,
		agentSessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent session %s", task.ErrNotFound, agentSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: find by agent session: %w", err)
	}
	return t, nil
}

// FindUnmappedRunning returns the most recently started running task that
// has a tmux session but no agent session id yet. This is the fallback a
// SessionStart hook uses before the agent's id is known.
func (s *StateDB) FindUnmappedRunning(ctx context.Context) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND agent_session_id = '' AND session_id != ''
		 ORDER BY started_at DESC LIMIT 1`,
		string(task.StatusRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no unmapped running task", task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: find unmapped running: %w", err)
	}
	return t, nil
}

// CountByStatus returns the number of tasks in each status.
func (s *StateDB) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("statedb: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[task.Status(st)] = n
	}
	return counts, rows.Err()
}

// --- Engine heartbeat ---

// RegisterEngine records this process as a running engine.
func (s *StateDB) RegisterEngine() error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO engine_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE engine_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterEngine removes this process from the heartbeat table.
func (s *StateDB) UnregisterEngine() error {
	_, err := s.db.Exec("DELETE FROM engine_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadEngines removes heartbeat entries older than timeout.
func (s *StateDB) CleanDeadEngines(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM engine_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// ElectPrimary attempts to make this engine the primary. Only the primary
// runs watchers and the poller, so two `chorus run` processes never drive
// the same sessions. Returns true if this process is (or already was) the
// primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE engine_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM engine_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: read primary: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE engine_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec("UPDATE engine_heartbeats SET is_primary = 0 WHERE pid = ?", s.pid)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
