package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage is an in-memory implementation of the queue repository
// interfaces. Suitable for tests and single-node deployments.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dlq   map[uuid.UUID]*DeadLetterEntry
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*Task),
		dlq:   make(map[uuid.UUID]*DeadLetterEntry),
	}
}

func (s *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// ClaimTask claims the oldest due pending task, or a processing task
// whose lease has lapsed (its worker died mid-flight).
func (s *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, lockDuration time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	candidates := make([]*Task, 0)
	for _, t := range s.tasks {
		switch t.Status {
		case TaskStatusPending:
			if !t.ScheduledAt.After(now) {
				candidates = append(candidates, t)
			}
		case TaskStatusProcessing:
			if t.LockedUntil != nil && t.LockedUntil.Before(now) {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPendingTasks
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})

	t := candidates[0]
	t.Status = TaskStatusProcessing
	lockedUntil := now.Add(lockDuration)
	t.LockedUntil = &lockedUntil
	t.LockedBy = &workerID

	cp := *t
	return &cp, nil
}

func (s *MemoryStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	t.Status = TaskStatusCompleted
	t.ProcessedAt = &now
	t.LockedUntil = nil
	t.LockedBy = nil
	return nil
}

func (s *MemoryStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	t.Status = TaskStatusPending
	t.RetryCount++
	t.ScheduledAt = retryAt
	t.Error = &errorMsg
	t.LockedUntil = nil
	t.LockedBy = nil
	return nil
}

func (s *MemoryStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	t.Status = TaskStatusFailed
	t.Error = &errorMsg
	t.LockedUntil = nil
	t.LockedBy = nil

	entry := &DeadLetterEntry{
		ID:         uuid.New(),
		TaskID:     t.ID,
		TaskName:   t.TaskName,
		Payload:    t.Payload,
		Error:      errorMsg,
		RetryCount: t.RetryCount,
		FailedAt:   time.Now(),
	}
	s.dlq[entry.ID] = entry
	return nil
}

// ListUnprocessed returns up to limit unprocessed dead letter entries,
// oldest first.
func (s *MemoryStorage) ListUnprocessed(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]DeadLetterEntry, 0)
	for _, e := range s.dlq {
		if !e.Processed {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.Before(entries[j].FailedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// MarkProcessed flags a dead letter entry as recovered.
func (s *MemoryStorage) MarkProcessed(ctx context.Context, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlq[entryID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	e.Processed = true
	e.ProcessedAt = &now
	return nil
}

// TaskByID returns a copy of the stored task. Intended for tests.
func (s *MemoryStorage) TaskByID(taskID uuid.UUID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}
