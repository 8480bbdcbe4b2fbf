package ratelimiter

import "errors"

var (
	// ErrInvalidConfig indicates a non-positive capacity, rate or interval.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTokenCount indicates a non-positive token request.
	ErrInvalidTokenCount = errors.New("invalid token count")

	// ErrStoreNil indicates no storage backend was provided.
	ErrStoreNil = errors.New("store is required")

	// ErrStoreUnavailable indicates the backend could not answer.
	ErrStoreUnavailable = errors.New("store unavailable")
)
