package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/docuflow/extractd/constants"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	result_ref TEXT,
	error      TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteStore is the default single-node task store.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (and if needed creates) the task database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create task db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate task db: %w", err)
	}
	logger.Info("task store ready", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db, log: logger}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, created_at) VALUES (?, ?, ?)`,
		id.String(), string(constants.TaskStatusQueued), time.Now().UTC())
	if err != nil {
		var existing string
		if qErr := s.db.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE id = ?`, id.String()).Scan(&existing); qErr == nil {
			return fmt.Errorf("create task %s: %w", id, ErrDuplicateTask)
		}
		return fmt.Errorf("create task %s: %w", id, err)
	}
	s.log.Info("task created", "task_id", id, "status", constants.TaskStatusQueued)
	return nil
}

// Transition runs read-check-write inside one transaction so racing
// writers serialize on the terminal check instead of both passing it.
func (s *SQLiteStore) Transition(ctx context.Context, id uuid.UUID, status constants.TaskStatus, resultRef, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks WHERE id = ?`, id.String()))
	switch {
	case errors.Is(err, ErrTaskNotFound):
		// Defensive insert: a worker may report on a task whose create
		// never landed (e.g. restored queue after a wiped store).
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, status, result_ref, error, created_at) VALUES (?, ?, ?, ?, ?)`,
			id.String(), string(status), nullable(resultRef), nullable(errMsg), time.Now().UTC()); err != nil {
			return fmt.Errorf("insert task %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition %s: %w", id, err)
		}
		s.log.Warn("transition inserted missing task", "task_id", id, "status", status)
		return nil
	case err != nil:
		return err
	}

	if cur.Status.IsTerminal() {
		if sameTerminal(cur, status, resultRef, errMsg) {
			return nil
		}
		s.log.Warn("rejected transition on terminal task",
			"task_id", id, "current", cur.Status, "attempted", status)
		return fmt.Errorf("task %s is %s: %w", id, cur.Status, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result_ref = ?, error = ? WHERE id = ?`,
		string(status), nullable(resultRef), nullable(errMsg), id.String()); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", id, err)
	}
	s.log.Info("task transitioned", "task_id", id, "from", cur.Status, "to", status)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		rawID     string
		status    string
		resultRef sql.NullString
		errMsg    sql.NullString
		created   time.Time
	)
	if err := r.Scan(&rawID, &status, &resultRef, &errMsg, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", rawID, err)
	}
	return &Task{
		ID:        id,
		Status:    constants.TaskStatus(status),
		ResultRef: resultRef.String,
		Error:     errMsg.String,
		CreatedAt: created,
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
