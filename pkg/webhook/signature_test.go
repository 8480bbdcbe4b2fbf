package webhook_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/webhook"
)

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	const secret = "whsec_test"
	payload := []byte(`{"id":"pi_0001","status":"success"}`)

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		headers, err := webhook.SignPayload(secret, payload)
		require.NoError(t, err)
		assert.NotEmpty(t, headers.ID)

		require.NoError(t, webhook.VerifySignature(secret, payload, headers, 0))
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		t.Parallel()
		headers, err := webhook.SignPayload(secret, payload)
		require.NoError(t, err)

		err = webhook.VerifySignature(secret, []byte(`{"id":"pi_0001","status":"failed"}`), headers, 0)
		assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		t.Parallel()
		headers, err := webhook.SignPayload(secret, payload)
		require.NoError(t, err)

		err = webhook.VerifySignature("whsec_other", payload, headers, 0)
		assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		t.Parallel()
		headers, err := webhook.SignPayload(secret, payload)
		require.NoError(t, err)
		headers.Timestamp = time.Now().Add(-time.Hour).Unix()

		err = webhook.VerifySignature(secret, payload, headers, 5*time.Minute)
		assert.ErrorIs(t, err, webhook.ErrTimestampOutOfRange)
	})

	t.Run("configuration errors", func(t *testing.T) {
		t.Parallel()
		_, err := webhook.SignPayload("", payload)
		assert.ErrorIs(t, err, webhook.ErrInvalidConfiguration)

		_, err = webhook.SignPayload(secret, nil)
		assert.ErrorIs(t, err, webhook.ErrInvalidPayload)
	})

	t.Run("headers map uses standard names", func(t *testing.T) {
		t.Parallel()
		headers, err := webhook.SignPayload(secret, payload)
		require.NoError(t, err)

		m := headers.Headers()
		assert.Contains(t, m, webhook.HeaderSignature)
		assert.Contains(t, m, webhook.HeaderTimestamp)
		assert.Contains(t, m, webhook.HeaderID)
	})
}
