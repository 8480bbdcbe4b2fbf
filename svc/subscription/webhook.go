package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/billing/pkg/backoff"
)

// ActivationResult is the answer to a resolved payment intent. It is
// serialized into the PaymentRecord and replayed verbatim to duplicate
// webhook deliveries.
type ActivationResult struct {
	SubscriptionID uuid.UUID    `json:"subscription_id"`
	UserID         uuid.UUID    `json:"user_id"`
	Outcome        IntentStatus `json:"outcome"`
	Status         Status       `json:"status"`
	PlanTier       Tier         `json:"plan_tier"`
	BillingPhase   BillingPhase `json:"billing_phase"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	TierChanged    bool         `json:"tier_changed"`

	// Replayed marks a duplicate delivery answered from the stored
	// record. Not serialized: the stored result is always the original.
	Replayed bool `json:"-"`
}

// lockAttempts bounds the webhook retry loop. Lock contention is the
// only condition retried in-process; every other failure surfaces to
// the caller so the gateway's own redelivery takes over.
const lockAttempts = 3

// ActivationPipeline turns resolved payment intents into subscription
// state. It is safe against duplicate, concurrent and out-of-order
// webhook deliveries: the PaymentRecord existence check inside the row
// lock is the single idempotence boundary.
type ActivationPipeline struct {
	svc    *Service
	retry  backoff.Strategy
	logger *slog.Logger
}

// PipelineOption configures an ActivationPipeline.
type PipelineOption func(*ActivationPipeline)

// WithPipelineBackoff overrides the delay between lock-contention retries.
func WithPipelineBackoff(strategy backoff.Strategy) PipelineOption {
	return func(p *ActivationPipeline) {
		p.retry = strategy
	}
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(log *slog.Logger) PipelineOption {
	return func(p *ActivationPipeline) {
		p.logger = log
	}
}

// NewActivationPipeline creates the webhook-facing pipeline.
func NewActivationPipeline(svc *Service, opts ...PipelineOption) (*ActivationPipeline, error) {
	if svc == nil {
		return nil, errors.New("subscription: service is required")
	}
	p := &ActivationPipeline{
		svc:    svc,
		retry:  backoff.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "subscription.pipeline"))
	return p, nil
}

// OnPaymentIntentResolved processes one terminal webhook delivery.
// Duplicates of an already-processed intent return the original result
// with Replayed set. A missing subscription or mismatched intent is
// reported as an error and must NOT be redelivered; only transient
// failures (lock contention, storage) warrant a retry by the caller.
func (p *ActivationPipeline) OnPaymentIntentResolved(ctx context.Context, intent PaymentIntent) (*ActivationResult, error) {
	switch intent.Status {
	case IntentSuccess, IntentFailed, IntentExpired:
	default:
		return nil, newValidationError(CodeInvalidState, "intent %q is not in a terminal status (%q)", intent.ID, intent.Status)
	}

	subID, ok := intent.SubscriptionID()
	if !ok {
		return nil, newValidationError(CodeInvalidState, "intent %q carries no subscription reference", intent.ID)
	}

	var (
		result *ActivationResult
		events []Event
	)
	apply := func(ctx context.Context, sub *Subscription, store TxStore) error {
		// Idempotence boundary: checked under the row lock so two
		// concurrent deliveries serialize and the loser replays.
		if rec, err := store.GetPaymentRecord(ctx, intent.ID); err == nil {
			replay := &ActivationResult{Replayed: true}
			if err := json.Unmarshal(rec.Result, replay); err != nil {
				return fmt.Errorf("decode stored activation result: %w", err)
			}
			result, events = replay, nil
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("check payment record: %w", err)
		}

		var err error
		if intent.Status == IntentSuccess {
			result, events, err = p.svc.applyActivation(ctx, sub, store, intent)
		} else {
			result, events, err = p.svc.applyFailure(ctx, sub, store, intent)
		}
		if err != nil {
			return err
		}

		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode activation result: %w", err)
		}
		return store.CreatePaymentRecord(ctx, &PaymentRecord{
			PaymentIntentID: intent.ID,
			SubscriptionID:  sub.ID,
			Status:          intent.Status,
			Amount:          intent.Amount,
			Currency:        intent.Currency,
			Result:          raw,
			ProcessedAt:     p.svc.now(),
		})
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = p.svc.repo.Atomic(ctx, subID, apply)
		if err == nil || !errors.Is(err, ErrRowLocked) || attempt >= lockAttempts {
			break
		}
		p.logger.InfoContext(ctx, "subscription row locked, retrying webhook",
			slog.String("subscription_id", subID.String()),
			slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retry.Delay(attempt)):
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Orphaned intent: report for investigation, never retry.
			return nil, newValidationError(CodeNoSubscription, "intent %q references unknown subscription %s", intent.ID, subID)
		}
		return nil, p.svc.asDomainError(err)
	}

	p.svc.dispatcher.Dispatch(ctx, events...)
	return result, nil
}

// applyActivation applies the pending change on a confirmed payment.
// Called under the row lock with no PaymentRecord present.
func (s *Service) applyActivation(ctx context.Context, sub *Subscription, store TxStore, intent PaymentIntent) (*ActivationResult, []Event, error) {
	pc := sub.PendingChange
	if pc == nil || pc.PaymentIntentID != intent.ID {
		return nil, nil, newConflictError(CodeInvalidState, "intent %q does not match the pending change of subscription %s", intent.ID, sub.ID)
	}

	now := s.now()
	tierChanged := pc.TargetTier != pc.PriorTier

	// Renewals stack onto the unexpired cycle so no paid days are lost;
	// initial subscriptions and upgrades start a fresh cycle now.
	var start, end time.Time
	if pc.Kind == ChangeRenewal {
		start, end = NextCycle(now, pc.PriorExpiresAt, pc.CycleDays)
	} else {
		start, end = NextCycle(now, nil, pc.CycleDays)
	}

	sub.PlanTier = pc.TargetTier
	sub.BillingCycle = pc.TargetCycle
	sub.Status = StatusActive
	sub.CurrentCycleStartedAt = &start
	sub.CurrentCycleEndsAt = &end
	sub.ExpiresAt = &end
	sub.GracePeriodEndsAt = nil
	sub.RestrictedAt = nil
	sub.CancelledAt = nil
	sub.LastPaymentIntentID = intent.ID
	sub.PendingChange = nil
	sub.UpdatedAt = now

	if pc.PricingMode == PricingIntro {
		sub.IntroUsed = true
		if pc.Kind == ChangeInitial {
			// The intro allowance was snapshotted at quote time; the
			// live catalog plays no part in confirming a paid intent.
			sub.IntroCyclesRemaining = pc.IntroCycles - 1
			if sub.IntroCyclesRemaining < 0 {
				sub.IntroCyclesRemaining = 0
			}
			sub.BillingPhase = PhaseIntro
		} else {
			sub.IntroCyclesRemaining, sub.BillingPhase = consumeIntroCycle(sub.IntroCyclesRemaining)
		}
	} else {
		sub.BillingPhase = PhaseRegular
		sub.IntroCyclesRemaining = 0
	}

	if err := store.SaveSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("save subscription: %w", err)
	}

	if err := store.UpdateHistoryByIntent(ctx, intent.ID, PaymentPaid, ""); err != nil {
		if !errors.Is(err, ErrHistoryNotFound) {
			return nil, nil, fmt.Errorf("settle history: %w", err)
		}
		s.logger.WarnContext(ctx, "no ledger row for confirmed intent",
			slog.String("payment_intent_id", intent.ID))
	}

	// Exactly one terminal event: a changed tier is a plan change,
	// everything else (first activation, renewal) is an activation.
	terminal := EventSubscriptionActivated
	if tierChanged && pc.Kind != ChangeInitial {
		terminal = EventPlanChangeApplied
	}
	payload := map[string]any{
		"payment_intent_id": intent.ID,
		"action":            string(pc.Kind),
		"plan_tier":         string(sub.PlanTier),
		"expires_at":        end.Format(time.RFC3339),
	}
	if err := store.AppendEventLog(ctx, &EventLogEntry{
		ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
		Type: terminal, Payload: payload, CreatedAt: now,
	}); err != nil {
		return nil, nil, fmt.Errorf("append event log: %w", err)
	}

	result := &ActivationResult{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Outcome:        IntentSuccess,
		Status:         sub.Status,
		PlanTier:       sub.PlanTier,
		BillingPhase:   sub.BillingPhase,
		ExpiresAt:      sub.ExpiresAt,
		TierChanged:    tierChanged,
	}
	return result, []Event{newEvent(sub, terminal, now, payload)}, nil
}

// applyFailure rolls the subscription back on a failed or expired
// intent. First-time subscriptions move to failed, or to expired when
// the payment window timed out; renewals and upgrades restore the
// snapshot while the prior paid period is still valid, otherwise land
// in restricted — the tier is never silently downgraded by a payment
// failure.
func (s *Service) applyFailure(ctx context.Context, sub *Subscription, store TxStore, intent PaymentIntent) (*ActivationResult, []Event, error) {
	pc := sub.PendingChange
	if pc == nil || pc.PaymentIntentID != intent.ID {
		return nil, nil, newConflictError(CodeInvalidState, "intent %q does not match the pending change of subscription %s", intent.ID, sub.ID)
	}

	now := s.now()

	switch {
	case pc.Kind == ChangeInitial && !pc.PriorTier.IsPaid():
		// Both parked states may initiate again; expired records that
		// the user never acted, failed that the gateway declined.
		sub.Status = StatusFailed
		if intent.Status == IntentExpired {
			sub.Status = StatusExpired
		}
		sub.PendingChange = nil
	case pc.PriorExpiresAt != nil && now.Before(*pc.PriorExpiresAt):
		sub.restoreSnapshot()
	default:
		sub.restoreSnapshot()
		sub.Status = StatusRestricted
		sub.RestrictedAt = &now
	}
	sub.UpdatedAt = now

	if err := store.SaveSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("save subscription: %w", err)
	}

	note := fmt.Sprintf("payment %s", intent.Status)
	if err := store.UpdateHistoryByIntent(ctx, intent.ID, PaymentUnpaid, note); err != nil {
		if !errors.Is(err, ErrHistoryNotFound) {
			return nil, nil, fmt.Errorf("settle history: %w", err)
		}
		s.logger.WarnContext(ctx, "no ledger row for failed intent",
			slog.String("payment_intent_id", intent.ID))
	}

	payload := map[string]any{
		"payment_intent_id": intent.ID,
		"action":            string(pc.Kind),
		"outcome":           string(intent.Status),
		"status":            string(sub.Status),
	}
	if err := store.AppendEventLog(ctx, &EventLogEntry{
		ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
		Type: EventPaymentFailed, Payload: payload, CreatedAt: now,
	}); err != nil {
		return nil, nil, fmt.Errorf("append event log: %w", err)
	}

	result := &ActivationResult{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Outcome:        intent.Status,
		Status:         sub.Status,
		PlanTier:       sub.PlanTier,
		BillingPhase:   sub.BillingPhase,
		ExpiresAt:      sub.ExpiresAt,
	}
	return result, []Event{newEvent(sub, EventPaymentFailed, now, payload)}, nil
}
