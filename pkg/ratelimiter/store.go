package ratelimiter

import (
	"context"
	"time"
)

// Store persists bucket state. Limits are advisory throttles, so
// implementations only need eventual consistency across processes.
type Store interface {
	// ConsumeTokens takes tokens from the keyed bucket and reports what
	// is left plus when the next refill lands. A negative remaining
	// count means the request must be denied.
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)

	// Reset clears the keyed bucket.
	Reset(ctx context.Context, key string) error
}
