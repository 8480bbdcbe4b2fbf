package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event emitted by the state machine.
type EventType string

const (
	EventPaymentInitiated        EventType = "payment_initiated"
	EventSubscriptionActivated   EventType = "subscription_activated"
	EventPlanChangeApplied       EventType = "plan_change_applied"
	EventPaymentFailed           EventType = "payment_failed"
	EventSubscriptionCancelled   EventType = "subscription_cancelled"
	EventSubscriptionResumed     EventType = "subscription_resumed"
	EventSubscriptionExpired     EventType = "subscription_expired"
	EventGracePeriodStarted      EventType = "grace_period_started"
	EventSubscriptionRestricted  EventType = "subscription_restricted"
	EventDelinquencyDowngraded   EventType = "delinquency_downgraded"
	EventDowngradeScheduled      EventType = "downgrade_scheduled"
	EventRenewalReminder         EventType = "renewal_reminder"
	EventSubscriptionSuspended   EventType = "subscription_suspended"
	EventSubscriptionReactivated EventType = "subscription_reactivated"
)

// Event is one ordered lifecycle notification. Every transition returns
// the events it produced; the Dispatcher delivers them to subscribers
// after the transaction commits, making side-effect ordering explicit.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	Type           EventType      `json:"type"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	UserID         uuid.UUID      `json:"user_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

func newEvent(sub *Subscription, typ EventType, at time.Time, payload map[string]any) Event {
	return Event{
		ID:             uuid.New(),
		Type:           typ,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Payload:        payload,
		OccurredAt:     at,
	}
}

// Sink receives lifecycle events. Delivery is at-least-once; sinks must
// be idempotent.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Dispatcher fans events out to sinks in registration order. A failing
// sink is logged and skipped so one bad consumer cannot block the rest;
// redelivery is the consumer's concern (events are also persisted in
// the event log).
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher delivering to the given sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With(slog.String("component", "subscription.dispatcher")),
	}
}

// Dispatch delivers each event to every sink, preserving event order.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, event := range events {
		for _, sink := range d.sinks {
			if err := sink.Deliver(ctx, event); err != nil {
				d.logger.ErrorContext(ctx, "event delivery failed",
					slog.String("event_type", string(event.Type)),
					slog.String("subscription_id", event.SubscriptionID.String()),
					slog.Any("error", err))
			}
		}
	}
}
