package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/billing/pkg/backoff"
)

// WorkerRepository defines the interface for worker operations.
type WorkerRepository interface {
	// ClaimTask atomically claims the next due pending task, returning
	// ErrNoPendingTasks when nothing is claimable.
	ClaimTask(ctx context.Context, workerID uuid.UUID, lockDuration time.Duration) (*Task, error)

	// CompleteTask marks a task as completed.
	CompleteTask(ctx context.Context, taskID uuid.UUID) error

	// FailTask records a failed attempt, increments the retry count and
	// reschedules the task at the given time.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string, retryAt time.Time) error

	// MoveToDLQ moves a task that exhausted its retries to the dead
	// letter queue.
	MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorMsg string) error
}

// Worker claims pending tasks and dispatches them to registered handlers.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	workerID uuid.UUID

	pullInterval time.Duration
	lockTimeout  time.Duration
	retryBackoff backoff.Strategy
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPullInterval sets how often the worker polls for claimable tasks.
func WithPullInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pullInterval = d
	}
}

// WithLockTimeout sets how long a claimed task stays leased before
// another worker may reclaim it.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.lockTimeout = d
	}
}

// WithRetryBackoff sets the delay strategy between task retry attempts.
func WithRetryBackoff(s backoff.Strategy) WorkerOption {
	return func(w *Worker) {
		w.retryBackoff = s
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = log
	}
}

// NewWorker creates a task worker.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	w := &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		workerID:     uuid.New(),
		pullInterval: 5 * time.Second,
		lockTimeout:  5 * time.Minute,
		retryBackoff: backoff.Default(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandlers registers task handlers by name.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Start begins processing tasks in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrAlreadyStarted
	}
	if len(w.handlers) == 0 {
		return ErrNoHandlers
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.InfoContext(ctx, "queue worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Duration("pull_interval", w.pullInterval))

	return nil
}

// Stop shuts the worker down, waiting for the in-flight task to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	w.wg.Wait()
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain all claimable tasks before sleeping again.
			for w.processOne(ctx) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// processOne claims and processes a single task, reporting whether a
// task was claimed.
func (w *Worker) processOne(ctx context.Context) bool {
	task, err := w.repo.ClaimTask(ctx, w.workerID, w.lockTimeout)
	if err != nil {
		if !errors.Is(err, ErrNoPendingTasks) && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "failed to claim task", slog.Any("error", err))
		}
		return false
	}

	w.mu.Lock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.Unlock()

	if !ok {
		w.failOrBury(ctx, task, fmt.Sprintf("%v: %s", ErrHandlerNotFound, task.TaskName))
		return true
	}

	if err := handler.Handle(ctx, task.Payload); err != nil {
		w.failOrBury(ctx, task, err.Error())
		return true
	}

	if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
		w.logger.ErrorContext(ctx, "failed to complete task",
			slog.String("task_id", task.ID.String()),
			slog.Any("error", err))
	}
	return true
}

// failOrBury retries the task with backoff or moves it to the DLQ once
// retries are exhausted.
func (w *Worker) failOrBury(ctx context.Context, task *Task, errorMsg string) {
	if task.RetryCount+1 >= task.MaxRetries {
		w.logger.ErrorContext(ctx, "task exhausted retries, moving to dead letter queue",
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.TaskName),
			slog.String("error", errorMsg))

		if err := w.repo.MoveToDLQ(ctx, task.ID, errorMsg); err != nil {
			w.logger.ErrorContext(ctx, "failed to move task to DLQ",
				slog.String("task_id", task.ID.String()),
				slog.Any("error", err))
		}
		return
	}

	retryAt := time.Now().Add(w.retryBackoff.Delay(int(task.RetryCount) + 1))
	if err := w.repo.FailTask(ctx, task.ID, errorMsg, retryAt); err != nil {
		w.logger.ErrorContext(ctx, "failed to reschedule task",
			slog.String("task_id", task.ID.String()),
			slog.Any("error", err))
	}
}
