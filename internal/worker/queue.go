package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/extractd/internal/backend"
)

// Job is one execution attempt of a task's extraction pipeline. Ephemeral:
// it lives on the queue and in the owning worker, never in the task store.
type Job struct {
	TaskID       uuid.UUID
	DocumentPath string
	Backend      backend.Kind
	Attempt      int // zero-based; incremented on each re-enqueue
	SubmittedAt  time.Time
}

// Queue is the narrow broker contract: submit a job, drain on shutdown.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// ErrQueueClosed is returned by Enqueue once shutdown has started.
var ErrQueueClosed = errors.New("queue is shut down")

// JobRunner executes one job and reports whether it should be re-enqueued
// and after what delay.
type JobRunner interface {
	Execute(ctx context.Context, job Job) (requeue bool, delay time.Duration)
}

// Pool is a fixed-size worker pool over a buffered channel. Each job is
// owned by exactly one worker for its entire execution.
type Pool struct {
	runner  JobRunner
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Job, n)
		}
	}
}
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(runner JobRunner, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		runner:  runner,
		logger:  logger,
		workers: 4,
		timeout: 10 * time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Info("worker started", "worker_id", workerID)

				for job := range p.ch {
					ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
					requeue, delay := p.runner.Execute(ctx, job)
					cancel()

					if requeue {
						p.requeueAfter(job, delay)
					}
				}

				p.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// requeueAfter re-submits the job with an incremented attempt counter once
// the backoff delay elapses. A shutdown in the meantime drops the job: the
// task record stays QUEUED, but the job itself (document path, backend) is
// queue-only state, so the document must be uploaded again.
func (p *Pool) requeueAfter(job Job, delay time.Duration) {
	next := job
	next.Attempt++
	p.logger.Warn("re-enqueueing job",
		"task_id", job.TaskID,
		"attempt", next.Attempt,
		"delay_ms", delay.Milliseconds(),
	)
	time.AfterFunc(delay, func() {
		if err := p.Enqueue(context.Background(), next); err != nil {
			p.logger.Error("re-enqueue failed", "task_id", next.TaskID, "error", err)
		}
	})
}

func (p *Pool) Enqueue(_ context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("cannot enqueue: queue is shutting down", "task_id", job.TaskID)
		return ErrQueueClosed
	}
	select {
	case p.ch <- job:
		p.logger.Info("job queued", "task_id", job.TaskID, "backend", job.Backend, "attempt", job.Attempt)
	default:
		p.logger.Warn("queue full, applying backpressure", "task_id", job.TaskID)
		p.ch <- job
	}
	return nil
}

func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("queue drained, shutdown complete")
	}
}
