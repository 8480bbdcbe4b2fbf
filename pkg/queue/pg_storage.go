package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesaflow/billing/pkg/pg"
)

// PgStorage implements EnqueuerRepository, WorkerRepository and
// DLQRepository on Postgres. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never contend on the same row, and a lease
// (locked_until) lets crashed workers' tasks become claimable again.
type PgStorage struct {
	pool *pgxpool.Pool
}

// NewPgStorage creates Postgres-backed queue storage.
func NewPgStorage(pool *pgxpool.Pool) (*PgStorage, error) {
	if pool == nil {
		return nil, ErrRepositoryNil
	}
	return &PgStorage{pool: pool}, nil
}

const taskColumns = `id, task_name, payload, status, retry_count, max_retries,
	scheduled_at, locked_until, locked_by, processed_at, error, created_at`

// CreateTask inserts a new pending task.
func (s *PgStorage) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, task_name, payload, status, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.TaskName, task.Payload, task.Status,
		task.RetryCount, task.MaxRetries, task.ScheduledAt, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// ClaimTask leases the oldest due pending task for the given worker.
// Tasks whose lease expired are treated as pending again.
func (s *PgStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, lockDuration time.Duration) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'processing',
			locked_by = $1,
			locked_until = now() + $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE scheduled_at <= now()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < now()))
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, lockDuration,
	)

	task, err := scanTask(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNoPendingTasks
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// CompleteTask marks a task completed and releases its lease.
func (s *PgStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'completed',
			processed_at = now(),
			locked_by = NULL,
			locked_until = NULL
		WHERE id = $1`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// FailTask records the error, bumps the retry count and reschedules.
func (s *PgStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'pending',
			retry_count = retry_count + 1,
			error = $2,
			scheduled_at = $3,
			locked_by = NULL,
			locked_until = NULL
		WHERE id = $1`,
		taskID, errorMsg, retryAt,
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MoveToDLQ copies an exhausted task into the dead letter table and
// marks the original failed, in one transaction.
func (s *PgStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	return pg.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'failed',
				error = $2,
				processed_at = now(),
				locked_by = NULL,
				locked_until = NULL
			WHERE id = $1`,
			taskID, errorMsg,
		)
		if err != nil {
			return fmt.Errorf("mark task failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tasks_dlq (id, task_id, task_name, payload, error, retry_count, failed_at)
			SELECT $2, id, task_name, payload, $3, retry_count, now()
			FROM tasks WHERE id = $1`,
			taskID, uuid.New(), errorMsg,
		)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

// ListUnprocessed returns up to limit unprocessed dead letters, oldest first.
func (s *PgStorage) ListUnprocessed(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, task_name, payload, error, retry_count, failed_at, processed, processed_at
		FROM tasks_dlq
		WHERE NOT processed
		ORDER BY failed_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.TaskName, &e.Payload,
			&e.Error, &e.RetryCount, &e.FailedAt, &e.Processed, &e.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkProcessed flags a recovered dead letter so it is never replayed.
func (s *PgStorage) MarkProcessed(ctx context.Context, entryID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks_dlq SET processed = true, processed_at = now()
		WHERE id = $1 AND NOT processed`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("mark dead letter processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.TaskName, &t.Payload, &t.Status, &t.RetryCount, &t.MaxRetries,
		&t.ScheduledAt, &t.LockedUntil, &t.LockedBy, &t.ProcessedAt, &t.Error, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
