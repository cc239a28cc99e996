package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docuflow/extractd/constants"
	"github.com/docuflow/extractd/internal/backend"
	"github.com/docuflow/extractd/internal/pipeline"
	"github.com/docuflow/extractd/internal/registry"
	"github.com/docuflow/extractd/internal/retry"
	"github.com/docuflow/extractd/internal/store"
)

// Executor owns one job end to end: claim the task, run the pipeline,
// persist the result, and settle the task record. Job-level retries
// (re-enqueue with linearly increasing delay) are distinct from the
// per-call retries inside the pipeline.
type Executor struct {
	tasks    registry.TaskStore
	cancels  *registry.CancellationRegistry
	orch     *pipeline.Orchestrator
	objects  store.ObjectStore
	backends *backend.Registry
	policy   retry.Policy // result-upload retry
	logger   *slog.Logger

	maxJobRetries int
	retryStep     time.Duration
}

func NewExecutor(
	tasks registry.TaskStore,
	cancels *registry.CancellationRegistry,
	orch *pipeline.Orchestrator,
	objects store.ObjectStore,
	backends *backend.Registry,
	policy retry.Policy,
	maxJobRetries int,
	retryStep time.Duration,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxJobRetries < 0 {
		maxJobRetries = 0
	}
	if retryStep <= 0 {
		retryStep = time.Minute
	}
	return &Executor{
		tasks:         tasks,
		cancels:       cancels,
		orch:          orch,
		objects:       objects,
		backends:      backends,
		policy:        policy,
		maxJobRetries: maxJobRetries,
		retryStep:     retryStep,
		logger:        logger,
	}
}

// Execute runs one job attempt. The returned requeue/delay pair drives the
// pool's bounded job-level retry.
func (e *Executor) Execute(ctx context.Context, job Job) (bool, time.Duration) {
	log := e.logger.With("task_id", job.TaskID, "backend", job.Backend, "attempt", job.Attempt)
	log.Info("executor.job.start", "document", job.DocumentPath)

	if err := e.tasks.Transition(ctx, job.TaskID, constants.TaskStatusProcessing, "", ""); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			// Task already settled by a racing attempt; the earlier
			// terminal status wins and this job is dropped.
			log.Warn("executor.job.already_terminal", "error", err)
			e.removeDocument(job, log)
			return false, 0
		}
		log.Error("executor.job.claim_failed", "error", err)
		return e.settleFailure(ctx, job, log, fmt.Sprintf("claim task: %v", err))
	}

	ext, err := e.backends.Get(job.Backend)
	if err != nil {
		// Misconfiguration, not load: fail fast without job retries.
		log.Error("executor.job.backend_unavailable", "error", err)
		e.failTask(ctx, job, log, err.Error())
		return false, 0
	}
	if format := constants.MapExtToFormat(filepath.Ext(job.DocumentPath)); !ext.Supports(format) {
		log.Error("executor.job.unsupported_input", "format", format)
		e.failTask(ctx, job, log, fmt.Sprintf("backend %s does not support %s input", ext.Name(), format))
		return false, 0
	}

	// Cancellation entry lives for the whole attempt, including the result
	// upload, and is removed on every exit path.
	e.cancels.Begin(job.TaskID)
	defer e.cancels.End(job.TaskID)

	outcome := e.orch.Run(ctx, job.TaskID, job.DocumentPath, ext)

	switch outcome.Status {
	case pipeline.StatusCancelled:
		return e.settleCancelled(ctx, job, log, outcome.Reason)

	case pipeline.StatusFailed:
		return e.settleFailure(ctx, job, log, outcome.Reason)

	case pipeline.StatusDone:
		if e.cancels.IsCancelled(job.TaskID) {
			return e.settleCancelled(ctx, job, log, "cancelled before result upload")
		}

		objectName := fmt.Sprintf("%s_%s.txt", job.Backend, job.TaskID)
		ref, err := retry.Do(ctx, e.policy, log, "store result", func() (string, error) {
			return e.objects.PutText(ctx, objectName, outcome.Text)
		})
		if err != nil {
			return e.settleFailure(ctx, job, log, fmt.Sprintf("store result: %v", err))
		}

		if err := e.tasks.Transition(context.WithoutCancel(ctx), job.TaskID, constants.TaskStatusCompleted, ref, ""); err != nil {
			log.Error("executor.job.complete_transition_failed", "error", err)
			return e.settleFailure(ctx, job, log, fmt.Sprintf("record completion: %v", err))
		}
		log.Info("executor.job.completed",
			"result_ref", ref,
			"pages", outcome.Total,
			"succeeded", outcome.Succeeded,
			"failed", outcome.Failed,
		)
		e.removeDocument(job, log)
		return false, 0
	}

	// Unreachable with the current Outcome variants.
	return e.settleFailure(ctx, job, log, fmt.Sprintf("unknown pipeline status %q", outcome.Status))
}

// settleCancelled records the CANCELLED terminal state. Cancellation is not
// a failure: no retry, no error-severity logging.
func (e *Executor) settleCancelled(ctx context.Context, job Job, log *slog.Logger, reason string) (bool, time.Duration) {
	// The settlement write must land even when the job deadline killed ctx.
	ctx = context.WithoutCancel(ctx)
	if err := e.tasks.Transition(ctx, job.TaskID, constants.TaskStatusCancelled, "", reason); err != nil {
		log.Error("executor.job.cancel_transition_failed", "error", err)
	}
	log.Info("executor.job.cancelled", "reason", reason)
	e.removeDocument(job, log)
	return false, 0
}

// settleFailure either rewinds the task to QUEUED and asks for a re-enqueue
// (attempts remaining), or writes the FAILED terminal state. FAILED is
// written exactly once, after the last attempt, so the terminal record is
// never overwritten by a later retry.
func (e *Executor) settleFailure(ctx context.Context, job Job, log *slog.Logger, reason string) (bool, time.Duration) {
	// The settlement write must land even when the job deadline killed ctx.
	ctx = context.WithoutCancel(ctx)
	if job.Attempt < e.maxJobRetries {
		if err := e.tasks.Transition(ctx, job.TaskID, constants.TaskStatusQueued, "", ""); err != nil {
			log.Error("executor.job.requeue_transition_failed", "error", err)
			e.failTask(ctx, job, log, reason)
			return false, 0
		}
		delay := e.retryStep * time.Duration(job.Attempt+1)
		log.Warn("executor.job.retrying", "reason", reason, "delay_ms", delay.Milliseconds())
		// The source document is kept on disk for the retry.
		return true, delay
	}
	e.failTask(ctx, job, log, reason)
	return false, 0
}

func (e *Executor) failTask(ctx context.Context, job Job, log *slog.Logger, reason string) {
	if err := e.tasks.Transition(context.WithoutCancel(ctx), job.TaskID, constants.TaskStatusFailed, "", reason); err != nil {
		log.Error("executor.job.fail_transition_failed", "error", err)
	}
	log.Error("executor.job.failed", "reason", reason)
	e.removeDocument(job, log)
}

// removeDocument deletes the uploaded source file once the job has settled.
func (e *Executor) removeDocument(job Job, log *slog.Logger) {
	if job.DocumentPath == "" {
		return
	}
	if err := os.Remove(job.DocumentPath); err != nil && !os.IsNotExist(err) {
		log.Warn("executor.job.document_cleanup_failed", "path", job.DocumentPath, "error", err)
	}
}
