package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for task creation.
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
}

// Enqueuer adds one-time tasks to the queue.
type Enqueuer struct {
	repo EnqueuerRepository
}

// NewEnqueuer creates a new Enqueuer.
func NewEnqueuer(repo EnqueuerRepository) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	return &Enqueuer{repo: repo}, nil
}

// EnqueueOption configures a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	maxRetries int8
	delay      time.Duration
}

// WithMaxRetries sets how many times the worker retries the task before
// moving it to the dead letter queue.
func WithMaxRetries(n int8) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxRetries = n
	}
}

// WithDelay schedules the task to run after the given duration.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// Enqueue adds a new task to the queue. The task name is derived from
// the payload type, so a handler created with NewTaskHandler for the
// same type will pick it up.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}

	options := &enqueueOptions{maxRetries: 3}
	for _, opt := range opts {
		opt(options)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload of type %T: %w", payload, err)
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.New(),
		TaskName:    qualifiedStructName(payload),
		Payload:     payloadBytes,
		Status:      TaskStatusPending,
		MaxRetries:  options.maxRetries,
		ScheduledAt: now.Add(options.delay),
		CreatedAt:   now,
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task %q: %w", task.TaskName, err)
	}

	return nil
}
