package breaker

import (
	"context"
	"time"
)

// Snapshot is the persisted state of one circuit.
type Snapshot struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

// StateStore persists circuit state so that every process sharing the
// store agrees on whether a dependency is healthy. Implementations may
// be eventually consistent.
type StateStore interface {
	// Get returns the snapshot for the named circuit. A circuit that
	// was never written returns the zero Snapshot (closed, no failures).
	Get(ctx context.Context, name string) (Snapshot, error)

	// Set replaces the snapshot for the named circuit.
	Set(ctx context.Context, name string, snap Snapshot) error

	// Reset removes all state for the named circuit.
	Reset(ctx context.Context, name string) error
}
