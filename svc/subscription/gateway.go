package subscription

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// IntentStatus is the gateway-reported state of a payment intent.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSuccess IntentStatus = "success"
	IntentFailed  IntentStatus = "failed"
	IntentExpired IntentStatus = "expired"
)

// Metadata keys smuggled across the asynchronous gateway boundary.
// They carry just enough to route the webhook back to its subscription;
// everything else lives in the typed PendingChange record.
const (
	metaSubscriptionID = "subscription_id"
	metaAction         = "action"
	metaCycleDays      = "cycle_duration_days"
)

// PaymentIntent is the gateway's view of a charge. The gateway owns it;
// this service only references it.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Status   IntentStatus      `json:"status"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Provider string            `json:"provider_name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubscriptionID extracts the owning subscription from intent metadata.
func (pi PaymentIntent) SubscriptionID() (uuid.UUID, bool) {
	raw, ok := pi.Metadata[metaSubscriptionID]
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Action extracts the originating action (initial/renewal/upgrade).
func (pi PaymentIntent) Action() ChangeKind {
	return ChangeKind(pi.Metadata[metaAction])
}

// CreatePaymentRequest is the outbound charge request.
type CreatePaymentRequest struct {
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	Amount         int64
	Currency       string
	Phone          string
	Purpose        string
	IdempotencyKey string
	Metadata       map[string]string
}

// CreatePaymentResult is the gateway's synchronous answer; confirmation
// arrives later via webhook.
type CreatePaymentResult struct {
	PaymentIntentID string
	// Instructions is the customer-facing prompt (e.g. the mobile-money
	// STK push reference), passed through untouched.
	Instructions string
}

// PaymentGateway is the narrow contract to the mobile-money payment
// collaborator. The concrete client lives outside this module.
type PaymentGateway interface {
	// CreatePayment registers a charge and returns a pending intent.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error)

	// VoidPayment abandons an in-flight intent, e.g. when the user
	// cancels a pending subscription before confirmation arrives.
	VoidPayment(ctx context.Context, paymentIntentID string) error
}

// intentMetadata builds the metadata map attached to outbound charges.
func intentMetadata(subID uuid.UUID, kind ChangeKind, cycleDays int) map[string]string {
	return map[string]string{
		metaSubscriptionID: subID.String(),
		metaAction:         string(kind),
		metaCycleDays:      strconv.Itoa(cycleDays),
	}
}
