package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docuflow/extractd/constants"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         UUID PRIMARY KEY,
	status     TEXT NOT NULL,
	result_ref TEXT,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PoolConfig tunes the pgx pool behind the shared task store.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore is the task store for deployments where several worker
// processes (or nodes) share task status.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres creates a pgx pool and ensures the tasks table exists.
func OpenPostgres(ctx context.Context, cfg PoolConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse task store dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "extractd"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect task store: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	logger.Info("task store ready", "driver", "postgres")
	return &PostgresStore{pool: pool, log: logger}, nil
}

func (s *PostgresStore) Create(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, string(constants.TaskStatusQueued))
	if err != nil {
		return fmt.Errorf("create task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create task %s: %w", id, ErrDuplicateTask)
	}
	s.log.Info("task created", "task_id", id, "status", constants.TaskStatusQueued)
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, status constants.TaskStatus, resultRef, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.getLocked(ctx, tx, id)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		if _, err := tx.Exec(ctx,
			`INSERT INTO tasks (id, status, result_ref, error) VALUES ($1, $2, $3, $4)`,
			id, string(status), nullable(resultRef), nullable(errMsg)); err != nil {
			return fmt.Errorf("insert task %s: %w", id, err)
		}
		s.log.Warn("transition inserted missing task", "task_id", id, "status", status)
		return tx.Commit(ctx)
	case err != nil:
		return err
	}

	if cur.Status.IsTerminal() {
		if sameTerminal(cur, status, resultRef, errMsg) {
			return tx.Commit(ctx)
		}
		s.log.Warn("rejected transition on terminal task",
			"task_id", id, "current", cur.Status, "attempted", status)
		return fmt.Errorf("task %s is %s: %w", id, cur.Status, ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $1, result_ref = $2, error = $3 WHERE id = $4`,
		string(status), nullable(resultRef), nullable(errMsg), id); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	s.log.Info("task transitioned", "task_id", id, "from", cur.Status, "to", status)
	return tx.Commit(ctx)
}

func (s *PostgresStore) getLocked(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Task, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks WHERE id = $1 FOR UPDATE`, id)
	return scanPgTask(row)
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks WHERE id = $1`, id)
	return scanPgTask(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, result_ref, error, created_at FROM tasks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgTask(r rowScanner) (*Task, error) {
	var (
		id        uuid.UUID
		status    string
		resultRef *string
		errMsg    *string
		created   time.Time
	)
	if err := r.Scan(&id, &status, &resultRef, &errMsg, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t := &Task{ID: id, Status: constants.TaskStatus(status), CreatedAt: created}
	if resultRef != nil {
		t.ResultRef = *resultRef
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	return t, nil
}
