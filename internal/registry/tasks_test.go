package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/docuflow/extractd/constants"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := store.Create(ctx, id); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	task, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != constants.TaskStatusQueued {
		t.Errorf("status = %s, want %s", task.Status, constants.TaskStatusQueued)
	}
	if task.ResultRef != "" || task.Error != "" {
		t.Errorf("fresh task has result=%q error=%q, want both empty", task.ResultRef, task.Error)
	}
	if task.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestCreateDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := store.Create(ctx, id); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, id); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("second Create() error = %v, want ErrDuplicateTask", err)
	}
}

func TestGetUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get() error = %v, want ErrTaskNotFound", err)
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("queued to processing to completed", func(t *testing.T) {
		store := newTestStore(t)
		id := uuid.New()
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if err := store.Transition(ctx, id, constants.TaskStatusProcessing, "", ""); err != nil {
			t.Fatalf("Transition(PROCESSING) error = %v", err)
		}
		if err := store.Transition(ctx, id, constants.TaskStatusCompleted, "https://example/ref", ""); err != nil {
			t.Fatalf("Transition(COMPLETED) error = %v", err)
		}

		task, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if task.Status != constants.TaskStatusCompleted {
			t.Errorf("status = %s, want COMPLETED", task.Status)
		}
		if task.ResultRef != "https://example/ref" || task.Error != "" {
			t.Errorf("result=%q error=%q, want ref set and error empty", task.ResultRef, task.Error)
		}
	})

	t.Run("idempotent terminal rewrite", func(t *testing.T) {
		store := newTestStore(t)
		id := uuid.New()
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := store.Transition(ctx, id, constants.TaskStatusCompleted, "ref", ""); err != nil {
				t.Fatalf("Transition #%d error = %v", i+1, err)
			}
		}
		task, _ := store.Get(ctx, id)
		if task.Status != constants.TaskStatusCompleted || task.ResultRef != "ref" {
			t.Errorf("record changed by idempotent rewrite: %+v", task)
		}
	})

	t.Run("conflicting terminal rejected, earlier wins", func(t *testing.T) {
		store := newTestStore(t)
		id := uuid.New()
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := store.Transition(ctx, id, constants.TaskStatusCompleted, "ref", ""); err != nil {
			t.Fatalf("Transition(COMPLETED) error = %v", err)
		}
		err := store.Transition(ctx, id, constants.TaskStatusFailed, "", "boom")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(FAILED) error = %v, want ErrInvalidTransition", err)
		}
		task, _ := store.Get(ctx, id)
		if task.Status != constants.TaskStatusCompleted {
			t.Errorf("status = %s, earlier terminal status should win", task.Status)
		}
	})

	t.Run("racing terminal writers serialize", func(t *testing.T) {
		store := newTestStore(t)
		id := uuid.New()
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := store.Transition(ctx, id, constants.TaskStatusProcessing, "", ""); err != nil {
			t.Fatalf("Transition(PROCESSING) error = %v", err)
		}

		// Two conflicting terminal writes race; exactly one must land and
		// the other must see ErrInvalidTransition, never a raw DB error.
		attempts := []struct {
			status constants.TaskStatus
			errMsg string
		}{
			{constants.TaskStatusCancelled, "stopped"},
			{constants.TaskStatusFailed, "boom"},
		}
		errs := make([]error, len(attempts))
		var wg sync.WaitGroup
		for i, a := range attempts {
			wg.Add(1)
			go func(i int, status constants.TaskStatus, errMsg string) {
				defer wg.Done()
				errs[i] = store.Transition(ctx, id, status, "", errMsg)
			}(i, a.status, a.errMsg)
		}
		wg.Wait()

		var won, rejected int
		for i, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("writer %d got unexpected error: %v", i, err)
			}
		}
		if won != 1 || rejected != 1 {
			t.Fatalf("won=%d rejected=%d, want exactly one of each (errs %v)", won, rejected, errs)
		}

		task, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !task.Status.IsTerminal() {
			t.Errorf("status = %s, want terminal", task.Status)
		}
	})

	t.Run("defensive insert for missing record", func(t *testing.T) {
		store := newTestStore(t)
		id := uuid.New()
		if err := store.Transition(ctx, id, constants.TaskStatusFailed, "", "lost create"); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		task, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if task.Status != constants.TaskStatusFailed || task.Error != "lost create" {
			t.Errorf("unexpected record: %+v", task)
		}
	})
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := store.Create(ctx, id); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tasks, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != len(ids) {
		t.Fatalf("List() returned %d tasks, want %d", len(tasks), len(ids))
	}
}
