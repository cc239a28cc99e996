package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func newTestCancels() *CancellationRegistry {
	return NewCancellationRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCancellationLifecycle(t *testing.T) {
	r := newTestCancels()
	id := uuid.New()

	if r.IsCancelled(id) {
		t.Error("unregistered task reported cancelled")
	}

	r.Begin(id)
	if r.IsCancelled(id) {
		t.Error("fresh registration reported cancelled")
	}

	if !r.RequestCancel(id) {
		t.Fatal("RequestCancel() = false for a running task")
	}
	if !r.IsCancelled(id) {
		t.Error("IsCancelled() = false after cancel request")
	}

	r.End(id)
	if r.IsCancelled(id) {
		t.Error("IsCancelled() = true after End")
	}
}

func TestRequestCancelNotRunning(t *testing.T) {
	r := newTestCancels()

	t.Run("unknown id", func(t *testing.T) {
		if r.RequestCancel(uuid.New()) {
			t.Error("RequestCancel() = true for unknown task")
		}
	})

	t.Run("already finished", func(t *testing.T) {
		id := uuid.New()
		r.Begin(id)
		r.End(id)
		if r.RequestCancel(id) {
			t.Error("RequestCancel() = true after End")
		}
	})
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestCancels()
	id := uuid.New()
	r.Begin(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.IsCancelled(id)
		}
	}()
	for i := 0; i < 1000; i++ {
		r.RequestCancel(id)
	}
	<-done

	if !r.IsCancelled(id) {
		t.Error("cancel flag lost under concurrent access")
	}
}
