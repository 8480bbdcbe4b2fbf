// Package ratelimiter provides token bucket rate limiting keyed by an
// (operation, identifier) pair, such as payment initiation per user or
// webhook ingestion per source IP.
//
// Buckets live behind the Store interface: MemoryStore for single-node
// deployments and tests, RedisStore when several instances must share
// counters. Denied requests report a RetryAfter hint.
//
//	store := ratelimiter.NewMemoryStore()
//	limiter, _ := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       5,
//		RefillRate:     1,
//		RefillInterval: time.Minute,
//	})
//
//	res, err := limiter.Allow(ctx, "payment-initiation", userID.String())
//	if err == nil && !res.Allowed() {
//		// deny, suggest res.RetryAfter()
//	}
package ratelimiter
