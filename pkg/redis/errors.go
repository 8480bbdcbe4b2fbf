package redis

import "errors"

var (
	// ErrEmptyConnectionURL indicates no connection URL was configured.
	ErrEmptyConnectionURL = errors.New("empty redis connection URL")

	// ErrFailedToParseRedisConnString indicates a malformed connection URL.
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")

	// ErrRedisNotReady indicates the server never answered PING within
	// the configured retry budget.
	ErrRedisNotReady = errors.New("redis did not become ready within the given time period")

	// ErrHealthcheckFailed indicates a readiness probe PING failed.
	ErrHealthcheckFailed = errors.New("redis healthcheck failed")
)
