package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements StateStore on top of Redis so that all
// instances of the service share one view of each circuit. Writes are
// last-writer-wins; the breaker tolerates the resulting races because
// its counters are advisory.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, ErrStoreNil
	}
	return &RedisStore{
		client:    client,
		keyPrefix: "breaker:",
	}, nil
}

func (rs *RedisStore) key(name string) string {
	return rs.keyPrefix + name
}

func (rs *RedisStore) Get(ctx context.Context, name string) (Snapshot, error) {
	raw, err := rs.client.Get(ctx, rs.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("breaker: get %q: %w", name, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Corrupt state is discarded rather than wedging the circuit.
		return Snapshot{}, nil
	}
	return snap, nil
}

func (rs *RedisStore) Set(ctx context.Context, name string, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("breaker: marshal %q: %w", name, err)
	}
	if err := rs.client.Set(ctx, rs.key(name), raw, 0).Err(); err != nil {
		return fmt.Errorf("breaker: set %q: %w", name, err)
	}
	return nil
}

func (rs *RedisStore) Reset(ctx context.Context, name string) error {
	if err := rs.client.Del(ctx, rs.key(name)).Err(); err != nil {
		return fmt.Errorf("breaker: reset %q: %w", name, err)
	}
	return nil
}
