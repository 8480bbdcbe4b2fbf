package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pesaflow/billing/svc/subscription"
)

// paymentClient adapts the internal payment service to the
// subscription.PaymentGateway contract. Provider integration (STK
// pushes, settlement) lives in that service; this client only creates
// and voids intents.
type paymentClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newPaymentClient(cfg gatewayConfig) *paymentClient {
	return &paymentClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type createIntentRequest struct {
	UserID         string            `json:"user_id"`
	SubscriptionID string            `json:"subscription_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Phone          string            `json:"phone"`
	Purpose        string            `json:"purpose"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type createIntentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Instructions    string `json:"instructions"`
}

func (c *paymentClient) CreatePayment(ctx context.Context, req subscription.CreatePaymentRequest) (*subscription.CreatePaymentResult, error) {
	body := createIntentRequest{
		UserID:         req.UserID.String(),
		SubscriptionID: req.SubscriptionID.String(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Phone:          req.Phone,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}

	var resp createIntentResponse
	if err := c.post(ctx, "/v1/payment-intents", body, &resp); err != nil {
		return nil, err
	}
	return &subscription.CreatePaymentResult{
		PaymentIntentID: resp.PaymentIntentID,
		Instructions:    resp.Instructions,
	}, nil
}

func (c *paymentClient) VoidPayment(ctx context.Context, paymentIntentID string) error {
	return c.post(ctx, "/v1/payment-intents/"+paymentIntentID+"/void", struct{}{}, nil)
}

func (c *paymentClient) post(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("payment service: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("payment service: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payment service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payment service: %s returned %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payment service: decode response: %w", err)
	}
	return nil
}
