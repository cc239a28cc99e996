package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/extractd/constants"
)

var (
	// ErrDuplicateTask is returned by Create when the ID already exists.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrTaskNotFound is returned by Get for unknown IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a terminal record would be
	// rewritten with a different terminal status. The earlier status wins.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Task is the externally visible unit of work.
// Exactly one of ResultRef/Error is set once the task is terminal;
// both are empty while QUEUED/PROCESSING.
type Task struct {
	ID        uuid.UUID
	Status    constants.TaskStatus
	ResultRef string
	Error     string
	CreatedAt time.Time
}

// TaskStore persists task lifecycle state so that status survives process
// restarts between submission and polling.
type TaskStore interface {
	// Create inserts a QUEUED record for a freshly generated ID.
	Create(ctx context.Context, id uuid.UUID) error
	// Transition upserts the task status. Missing records are inserted
	// (defensive). A repeated write of the same terminal status with
	// matching fields is a no-op; a different terminal status is rejected
	// with ErrInvalidTransition.
	Transition(ctx context.Context, id uuid.UUID, status constants.TaskStatus, resultRef, errMsg string) error
	// Get returns the task or ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	// List returns all tasks, newest first.
	List(ctx context.Context) ([]*Task, error)
	// Close releases the underlying connections.
	Close() error
}

// sameTerminal reports whether a transition is an idempotent re-write of an
// already terminal record.
func sameTerminal(cur *Task, status constants.TaskStatus, resultRef, errMsg string) bool {
	return cur.Status == status && cur.ResultRef == resultRef && cur.Error == errMsg
}

// IsPostgresDSN reports whether the DSN selects the pgx-backed store.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
