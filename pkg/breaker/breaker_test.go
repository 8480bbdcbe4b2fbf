package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/breaker"
)

var errGateway = errors.New("gateway down")

func newBreaker(t *testing.T, cfg breaker.Config, now *time.Time) *breaker.Breaker {
	t.Helper()
	cb, err := breaker.New("payment-gateway", breaker.NewMemoryStore(), cfg,
		breaker.WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return cb
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires name", func(t *testing.T) {
		t.Parallel()
		_, err := breaker.New("", breaker.NewMemoryStore(), breaker.Config{})
		assert.ErrorIs(t, err, breaker.ErrNameRequired)
	})

	t.Run("requires store", func(t *testing.T) {
		t.Parallel()
		_, err := breaker.New("gw", nil, breaker.Config{})
		assert.ErrorIs(t, err, breaker.ErrStoreNil)
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := newBreaker(t, breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, &now)

	for range 3 {
		err := cb.Do(ctx, func(context.Context) error { return errGateway })
		assert.ErrorIs(t, err, errGateway)
	}

	// Circuit is now open: calls fail fast.
	err := cb.Do(ctx, func(context.Context) error {
		t.Fatal("must not be invoked while open")
		return nil
	})
	assert.True(t, breaker.IsOpen(err))
	assert.Equal(t, breaker.StateOpen, cb.State(ctx))
}

func TestBreakerRecovers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := newBreaker(t, breaker.Config{FailureThreshold: 2, SuccessThreshold: 2, RecoveryTimeout: time.Minute}, &now)

	for range 2 {
		_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	}
	require.Equal(t, breaker.StateOpen, cb.State(ctx))

	// After the recovery timeout trial calls are admitted.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, breaker.StateHalfOpen, cb.State(ctx))

	require.NoError(t, cb.Do(ctx, func(context.Context) error { return nil }))
	require.NoError(t, cb.Do(ctx, func(context.Context) error { return nil }))

	assert.Equal(t, breaker.StateClosed, cb.State(ctx))
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := newBreaker(t, breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute}, &now)

	for range 2 {
		_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	}

	now = now.Add(2 * time.Minute)
	err := cb.Do(ctx, func(context.Context) error { return errGateway })
	assert.ErrorIs(t, err, errGateway)

	// Trial failed: straight back to open, no timeout elapsed yet.
	assert.True(t, breaker.IsOpen(cb.Allow(ctx)))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := newBreaker(t, breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute}, &now)

	_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	require.NoError(t, cb.Do(ctx, func(context.Context) error { return nil }))

	// Two more failures do not reach the threshold after the reset.
	_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	assert.Equal(t, breaker.StateClosed, cb.State(ctx))
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := newBreaker(t, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, &now)

	_ = cb.Do(ctx, func(context.Context) error { return errGateway })
	require.Equal(t, breaker.StateOpen, cb.State(ctx))

	require.NoError(t, cb.Reset(ctx))
	assert.Equal(t, breaker.StateClosed, cb.State(ctx))
	assert.NoError(t, cb.Allow(ctx))
}
