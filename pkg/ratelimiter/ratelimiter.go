package ratelimiter

import (
	"context"
	"fmt"
)

// RateLimiter defines the interface for rate limiting implementations.
type RateLimiter interface {
	Allow(ctx context.Context, op, identifier string) (*Result, error)
	AllowN(ctx context.Context, op, identifier string, n int) (*Result, error)
}

// Bucket implements a token bucket rate limiter keyed by an
// (operation, identifier) pair, e.g. ("payment-initiation", userID).
type Bucket struct {
	store  Store
	config Config
}

// NewBucket creates a new token bucket rate limiter.
func NewBucket(store Store, config Config) (*Bucket, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Bucket{
		store:  store,
		config: config,
	}, nil
}

// Key builds the storage key for an (operation, identifier) pair.
func Key(op, identifier string) string {
	return op + ":" + identifier
}

func (tb *Bucket) Allow(ctx context.Context, op, identifier string) (*Result, error) {
	return tb.AllowN(ctx, op, identifier, 1)
}

func (tb *Bucket) AllowN(ctx context.Context, op, identifier string, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}

	remaining, resetAt, err := tb.store.ConsumeTokens(ctx, Key(op, identifier), n, tb.config)
	if err != nil {
		return nil, err
	}

	return &Result{
		Limit:     tb.config.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Status returns the current state without consuming tokens.
func (tb *Bucket) Status(ctx context.Context, op, identifier string) (*Result, error) {
	remaining, resetAt, err := tb.store.ConsumeTokens(ctx, Key(op, identifier), 0, tb.config)
	if err != nil {
		return nil, err
	}

	return &Result{
		Limit:     tb.config.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the bucket for an (operation, identifier) pair.
func (tb *Bucket) Reset(ctx context.Context, op, identifier string) error {
	return tb.store.Reset(ctx, Key(op, identifier))
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}
