package queue

import "errors"

var (
	// ErrRepositoryNil indicates a component was created without a repository.
	ErrRepositoryNil = errors.New("repository is required")

	// ErrPayloadNil indicates an enqueue attempt with a nil payload.
	ErrPayloadNil = errors.New("payload is required")

	// ErrNoHandlers indicates a worker was started with no registered handlers.
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrHandlerNotFound indicates a claimed task has no registered handler.
	ErrHandlerNotFound = errors.New("no handler registered for task")

	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoPendingTasks indicates no claimable task is currently available.
	ErrNoPendingTasks = errors.New("no pending tasks")

	// ErrAlreadyStarted indicates Start was called on a running worker.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted indicates Stop was called on a worker that never started.
	ErrNotStarted = errors.New("worker not started")
)
