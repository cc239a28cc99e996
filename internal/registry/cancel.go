package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelled marks work stopped at a cooperative cancellation checkpoint.
// It is not a failure; callers map it to the CANCELLED terminal state.
var ErrCancelled = errors.New("task cancelled")

// CancellationRegistry tracks tasks that are currently eligible for
// cooperative cancellation. An entry exists only while a worker runs the
// job; absence means "not currently running", not "cancelled". One instance
// per process, passed explicitly to the orchestrator and the cancel
// handler.
type CancellationRegistry struct {
	mu     sync.Mutex
	active map[uuid.UUID]bool // value: cancel requested
	log    *slog.Logger
}

func NewCancellationRegistry(logger *slog.Logger) *CancellationRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CancellationRegistry{active: make(map[uuid.UUID]bool), log: logger}
}

// Begin registers the task as active and not cancelled. Called exactly once
// per job attempt, before any extraction work starts.
func (r *CancellationRegistry) Begin(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = false
	r.log.Debug("cancellation tracking started", "task_id", id)
}

// RequestCancel flips the flag and returns true if the task is currently
// registered. Returns false when the task is not running — not yet started,
// already finished, or unknown.
func (r *CancellationRegistry) RequestCancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		r.log.Warn("cancel requested for task that is not running", "task_id", id)
		return false
	}
	r.active[id] = true
	r.log.Info("task marked for cancellation", "task_id", id)
	return true
}

// IsCancelled returns true only if the task is registered and flagged.
// Unknown IDs return false; checkpoints call this freely.
func (r *CancellationRegistry) IsCancelled(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// End deregisters the task. Called exactly once when the job attempt
// finishes, on every exit path.
func (r *CancellationRegistry) End(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	r.log.Debug("cancellation tracking ended", "task_id", id)
}
