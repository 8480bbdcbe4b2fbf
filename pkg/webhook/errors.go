package webhook

import "errors"

var (
	// ErrInvalidConfiguration indicates a missing or unusable secret.
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")

	// ErrInvalidPayload indicates an empty or unusable payload.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrInvalidSignature indicates the signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrTimestampOutOfRange indicates a stale or future-dated delivery.
	ErrTimestampOutOfRange = errors.New("webhook timestamp out of range")
)
