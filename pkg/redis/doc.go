// Package redis provides connectivity helpers for the Redis instance
// that holds process-external throttle state: circuit breaker snapshots
// and rate limiter counters shared across all billing instances.
package redis
