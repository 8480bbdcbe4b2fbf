package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Standard signature header names, recognized by most webhook tooling.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// SignatureHeaders carries the authentication triple attached to one
// webhook delivery. The signature binds the payload to the timestamp:
// HMAC-SHA256(secret, "<timestamp>.<payload>").
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Headers renders the triple as HTTP headers.
func (s SignatureHeaders) Headers() map[string]string {
	return map[string]string{
		HeaderSignature: s.Signature,
		HeaderTimestamp: strconv.FormatInt(s.Timestamp, 10),
		HeaderID:        s.ID,
	}
}

// SignPayload signs a payload for delivery. Used by tests and by
// collaborators emitting webhooks of their own.
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	return signAt(secret, payload, time.Now())
}

func signAt(secret string, payload []byte, at time.Time) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}

	ts := at.Unix()
	return SignatureHeaders{
		Signature: computeSignature(secret, payload, ts),
		Timestamp: ts,
		ID:        uuid.NewString(),
	}, nil
}

// DefaultTolerance is the maximum accepted clock skew between signer
// and verifier before a delivery is rejected as a potential replay.
const DefaultTolerance = 5 * time.Minute

// VerifySignature authenticates an inbound delivery. Comparison is
// constant-time; timestamps outside the tolerance window are rejected
// even when the signature itself is valid.
func VerifySignature(secret string, payload []byte, headers SignatureHeaders, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	age := time.Since(time.Unix(headers.Timestamp, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp %d outside ±%s window", ErrTimestampOutOfRange, headers.Timestamp, tolerance)
	}

	expected := computeSignature(secret, payload, headers.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(headers.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func computeSignature(secret string, payload []byte, timestamp int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.%s", timestamp, payload)
	return hex.EncodeToString(h.Sum(nil))
}
