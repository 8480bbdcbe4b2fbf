package breaker

import (
	"context"
	"fmt"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota
	// StateOpen fails fast without calling the dependency.
	StateOpen
	// StateHalfOpen allows a trial request to test recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines the failure and recovery thresholds for a breaker.
type Config struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`  // consecutive failures before opening
	SuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`  // half-open successes before closing
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"` // open duration before a trial call
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a circuit breaker for one named dependency. State and
// counters live in a StateStore so every process in the fleet observes
// the same circuit; the store only needs to be eventually consistent
// since the breaker is an advisory throttle, not a correctness guard.
type Breaker struct {
	name  string
	store StateStore
	cfg   Config
	now   func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a circuit breaker named after the dependency it protects
// (e.g. "payment-gateway", "webhook-processing").
func New(name string, store StateStore, cfg Config, opts ...Option) (*Breaker, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	if store == nil {
		return nil, ErrStoreNil
	}

	b := &Breaker{
		name:  name,
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Allow reports whether a request may proceed. An open circuit past its
// recovery timeout transitions to half-open and admits one trial call.
func (b *Breaker) Allow(ctx context.Context) error {
	snap, err := b.store.Get(ctx, b.name)
	if err != nil {
		// A broken store must not block traffic: fail open.
		return nil
	}

	switch snap.State {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if b.now().Sub(snap.LastFailureAt) > b.cfg.RecoveryTimeout {
			snap.State = StateHalfOpen
			snap.Successes = 0
			if err := b.store.Set(ctx, b.name, snap); err != nil {
				return nil
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrOpen, b.name)

	default:
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
}

// RecordSuccess records a successful call and may close the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	snap, err := b.store.Get(ctx, b.name)
	if err != nil {
		return
	}

	switch snap.State {
	case StateClosed:
		if snap.Failures != 0 {
			snap.Failures = 0
			_ = b.store.Set(ctx, b.name, snap)
		}

	case StateHalfOpen:
		snap.Successes++
		if snap.Successes >= b.cfg.SuccessThreshold {
			snap = Snapshot{State: StateClosed}
		}
		_ = b.store.Set(ctx, b.name, snap)
	}
}

// RecordFailure records a failed call and may open the circuit.
func (b *Breaker) RecordFailure(ctx context.Context) {
	snap, err := b.store.Get(ctx, b.name)
	if err != nil {
		return
	}

	snap.LastFailureAt = b.now()

	switch snap.State {
	case StateClosed:
		snap.Failures++
		if snap.Failures >= b.cfg.FailureThreshold {
			snap.State = StateOpen
		}

	case StateHalfOpen:
		// Trial call failed, reopen immediately.
		snap.State = StateOpen
		snap.Failures = b.cfg.FailureThreshold
		snap.Successes = 0
	}

	_ = b.store.Set(ctx, b.name, snap)
}

// Do runs fn through the breaker, recording the outcome. It returns
// ErrOpen without invoking fn when the circuit is open.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure(ctx)
		return err
	}

	b.RecordSuccess(ctx)
	return nil
}

// State returns the current state, accounting for the automatic
// open-to-half-open transition.
func (b *Breaker) State(ctx context.Context) State {
	snap, err := b.store.Get(ctx, b.name)
	if err != nil {
		return StateClosed
	}
	if snap.State == StateOpen && b.now().Sub(snap.LastFailureAt) > b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return snap.State
}

// Reset forces the circuit back to closed.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.store.Reset(ctx, b.name)
}
