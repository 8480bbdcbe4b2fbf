package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pesaflow/billing/pkg/logger"
	"github.com/pesaflow/billing/pkg/webhook"
	"github.com/pesaflow/billing/svc/subscription"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// webhookHandler receives payment intent resolutions from the gateway.
// Response codes steer redelivery: 2xx acknowledges (including
// rejections the gateway cannot fix by retrying), 5xx requests another
// delivery attempt.
type webhookHandler struct {
	pipeline  *subscription.ActivationPipeline
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := webhook.VerifySignature(h.secret, payload, headersFrom(r), h.tolerance); err != nil {
		h.logger.WarnContext(ctx, "webhook rejected", logger.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var intent subscription.PaymentIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.OnPaymentIntentResolved(ctx, intent)
	if err != nil {
		h.respondError(ctx, w, intent, err)
		return
	}

	status := "processed"
	if result.Replayed {
		status = "replayed"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":            status,
		"payment_intent_id": intent.ID,
	})
}

func (h *webhookHandler) respondError(ctx context.Context, w http.ResponseWriter, intent subscription.PaymentIntent, err error) {
	code := subscription.CodeOf(err)

	switch subscription.KindOf(err) {
	case subscription.KindValidation, subscription.KindConflict:
		// Redelivery cannot fix a business rejection; acknowledge it.
		h.logger.WarnContext(ctx, "webhook not applicable",
			slog.String("payment_intent_id", intent.ID),
			slog.String("code", code),
			logger.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{
			"status":            "ignored",
			"code":              code,
			"payment_intent_id": intent.ID,
		})
	case subscription.KindTransient:
		h.logger.WarnContext(ctx, "webhook deferred",
			slog.String("payment_intent_id", intent.ID),
			slog.String("code", code),
			logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "retry",
			"code":   code,
		})
	default:
		h.logger.ErrorContext(ctx, "webhook processing failed",
			slog.String("payment_intent_id", intent.ID),
			logger.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
		})
	}
}

func headersFrom(r *http.Request) webhook.SignatureHeaders {
	ts, _ := strconv.ParseInt(r.Header.Get(webhook.HeaderTimestamp), 10, 64)
	return webhook.SignatureHeaders{
		Signature: r.Header.Get(webhook.HeaderSignature),
		Timestamp: ts,
		ID:        r.Header.Get(webhook.HeaderID),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
