package queue

import (
	"context"

	"github.com/google/uuid"
)

// DLQRepository defines the operations the periodic reprocessing sweep
// needs: list entries awaiting recovery and mark recovered ones.
type DLQRepository interface {
	ListUnprocessed(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	MarkProcessed(ctx context.Context, entryID uuid.UUID) error
}
