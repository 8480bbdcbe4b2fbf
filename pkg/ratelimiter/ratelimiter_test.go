package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/ratelimiter"
)

func newLimiter(t *testing.T, cfg ratelimiter.Config) (*ratelimiter.Bucket, *ratelimiter.MemoryStore) {
	t.Helper()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	limiter, err := ratelimiter.NewBucket(store, cfg)
	require.NoError(t, err)
	return limiter, store
}

func TestNewBucket(t *testing.T) {
	t.Parallel()

	t.Run("rejects nil store", func(t *testing.T) {
		t.Parallel()
		_, err := ratelimiter.NewBucket(nil, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Second})
		assert.ErrorIs(t, err, ratelimiter.ErrStoreNil)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		t.Parallel()
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		_, err := ratelimiter.NewBucket(store, ratelimiter.Config{})
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
	})
}

func TestBucketConsumption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       3,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	for i := range 3 {
		res, err := limiter.Allow(ctx, "payment-initiation", "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed(), "request %d should be allowed", i)
	}

	res, err := limiter.Allow(ctx, "payment-initiation", "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Positive(t, res.RetryAfter())
}

func TestBucketKeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	res, err := limiter.Allow(ctx, "payment-initiation", "user-1")
	require.NoError(t, err)
	require.True(t, res.Allowed())

	// Exhausting user-1 does not affect user-2 or another operation.
	res, err = limiter.Allow(ctx, "payment-initiation", "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed())

	res, err = limiter.Allow(ctx, "payment-initiation", "user-2")
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	res, err = limiter.Allow(ctx, "webhook-ingest", "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestBucketAllowN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       5,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	res, err := limiter.AllowN(ctx, "op", "id", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, res.Remaining)

	_, err = limiter.AllowN(ctx, "op", "id", 0)
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
}

func TestBucketReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	_, err := limiter.Allow(ctx, "op", "id")
	require.NoError(t, err)
	res, err := limiter.Allow(ctx, "op", "id")
	require.NoError(t, err)
	require.False(t, res.Allowed())

	require.NoError(t, limiter.Reset(ctx, "op", "id"))

	res, err = limiter.Allow(ctx, "op", "id")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestBucketRefill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       2,
		RefillRate:     2,
		RefillInterval: 50 * time.Millisecond,
	})

	_, err := limiter.AllowN(ctx, "op", "id", 2)
	require.NoError(t, err)
	res, err := limiter.Allow(ctx, "op", "id")
	require.NoError(t, err)
	require.False(t, res.Allowed())

	time.Sleep(60 * time.Millisecond)

	res, err = limiter.Allow(ctx, "op", "id")
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestStatusDoesNotConsume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newLimiter(t, ratelimiter.Config{
		Capacity:       2,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	for range 5 {
		res, err := limiter.Status(ctx, "op", "id")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Remaining)
	}
}
