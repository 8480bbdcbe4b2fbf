package breaker

import (
	"context"
	"sync"
)

// MemoryStore implements StateStore in process memory. Suitable for
// single-node deployments and tests; fleets should use RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	circuits map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		circuits: make(map[string]Snapshot),
	}
}

func (ms *MemoryStore) Get(ctx context.Context, name string) (Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	return ms.circuits[name], nil
}

func (ms *MemoryStore) Set(ctx context.Context, name string, snap Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.circuits[name] = snap
	return nil
}

func (ms *MemoryStore) Reset(ctx context.Context, name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.circuits, name)
	return nil
}
