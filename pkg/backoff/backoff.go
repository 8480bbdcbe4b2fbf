package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Delay returns the wait duration before the given attempt.
	// Attempt starts at 1 for the first retry.
	Delay(attempt int) time.Duration
}

// Exponential implements exponential backoff with optional jitter.
// Jitter spreads retries from concurrent callers so they do not
// hammer a recovering dependency in lockstep.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Delay returns min(Initial * Factor^(attempt-1) * (1 ± Jitter), Max).
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.Initial
	if initial == 0 {
		initial = time.Second
	}
	maxDelay := e.Max
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}
	factor := e.Factor
	if factor == 0 {
		factor = 2
	}

	d := float64(initial) * math.Pow(factor, float64(attempt-1))

	if e.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*e.Jitter
	}

	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	return time.Duration(d)
}

// Fixed waits the same duration before every attempt.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// Default returns the backoff used by the provisioning and bill-number
// retry paths: 1s, 2s, 4s... capped at 30s with 10% jitter.
func Default() Strategy {
	return Exponential{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
