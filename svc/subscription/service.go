package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/billing/pkg/backoff"
	"github.com/pesaflow/billing/pkg/breaker"
	"github.com/pesaflow/billing/pkg/ratelimiter"
)

// opPaymentInitiation is the rate limiter operation name for all
// payment-creating endpoints.
const opPaymentInitiation = "payment-initiation"

// Service owns the subscription lifecycle state machine. Every mutating
// operation flows through it: user intents (initiate, renew, upgrade,
// downgrade, cancel, resume), webhook-driven activation and failure,
// and the scheduled sweeps. All mutations of one subscription happen
// under its exclusive row lock via Repository.Atomic.
type Service struct {
	repo       Repository
	plans      PlanSource
	gateway    PaymentGateway
	dispatcher *Dispatcher

	gatewayBreaker *breaker.Breaker
	limiter        ratelimiter.RateLimiter

	logger *slog.Logger
	now    func() time.Time
	retry  backoff.Strategy

	delinquencyAfter time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithGatewayBreaker wraps outbound gateway calls in a circuit breaker.
func WithGatewayBreaker(cb *breaker.Breaker) ServiceOption {
	return func(s *Service) {
		s.gatewayBreaker = cb
	}
}

// WithRateLimiter applies admission control to payment initiation.
func WithRateLimiter(rl ratelimiter.RateLimiter) ServiceOption {
	return func(s *Service) {
		s.limiter = rl
	}
}

// WithDelinquencyPeriod overrides how long a subscription may stay
// restricted before the delinquency sweep downgrades it to free.
func WithDelinquencyPeriod(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.delinquencyAfter = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = log
	}
}

// WithRetryBackoff overrides the backoff used for contended writes.
func WithRetryBackoff(strategy backoff.Strategy) ServiceOption {
	return func(s *Service) {
		s.retry = strategy
	}
}

// NewService creates the subscription service.
func NewService(repo Repository, plans PlanSource, gateway PaymentGateway, dispatcher *Dispatcher, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("subscription: repository is required")
	}
	if plans == nil {
		return nil, errors.New("subscription: plan source is required")
	}
	if gateway == nil {
		return nil, errors.New("subscription: payment gateway is required")
	}
	if dispatcher == nil {
		return nil, errors.New("subscription: event dispatcher is required")
	}

	s := &Service{
		repo:             repo,
		plans:            plans,
		gateway:          gateway,
		dispatcher:       dispatcher,
		logger:           slog.Default(),
		now:              time.Now,
		retry:            backoff.Default(),
		delinquencyAfter: DefaultDelinquencyPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "subscription.service"))
	return s, nil
}

// InitiateResult is the answer to a successful initiate* call: the
// pending intent reference and the authoritative amount the gateway
// will confirm.
type InitiateResult struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Instructions    string `json:"instructions,omitempty"`
}

// InitiateSubscription starts a first-time (or re-entry) subscription
// to a paid tier. Legal from a free, failed, expired, cancelled or
// suspended subscription; active paid subscriptions renew or upgrade
// instead. A missing subscription row is created on the fly with the
// free tier so the one-row-per-user invariant holds from here on.
func (s *Service) InitiateSubscription(ctx context.Context, userID uuid.UUID, tier Tier, cycle BillingCycle, mode PricingMode, phone, idempotencyKey string) (*InitiateResult, error) {
	if replay, err := s.idempotentReplay(ctx, userID, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}
	if err := s.allowInitiation(ctx, userID); err != nil {
		return nil, err
	}

	plan, err := s.paidPlan(ctx, tier)
	if err != nil {
		return nil, err
	}

	if err := s.ensureExists(ctx, userID); err != nil {
		return nil, err
	}

	var (
		result *InitiateResult
		events []Event
	)
	err = s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		switch sub.Status {
		case StatusPendingPayment:
			return newConflictError(CodePendingPaymentExists, "a payment is already awaiting confirmation; retry or cancel it")
		case StatusGracePeriod:
			return newConflictError(CodeGracePeriodActive, "subscription is in its grace period; renew instead")
		case StatusActive:
			if sub.PlanTier.IsPaid() {
				return newConflictError(CodeAlreadyActive, "subscription is already active; renew or upgrade instead")
			}
		case StatusRestricted:
			// Restricted users re-subscribe through renewal of the
			// preserved tier or an explicit new initiation; allow.
		}

		quote, err := ResolveQuote(*plan, mode, cycle, sub.IntroUsed)
		if err != nil {
			return err
		}

		pc := &PendingChange{
			Version:     pendingChangeVersion,
			Kind:        ChangeInitial,
			TargetTier:  tier,
			TargetCycle: cycle,
			PricingMode: mode,
			Amount:      quote.Amount,
			CycleDays:   quote.Days,
			IntroCycles: plan.IntroCycles,
			CreatedAt:   now,
		}
		sub.snapshotInto(pc)
		if sub.PlanTier.IsPaid() && sub.PlanTier != tier && tier.IsUpgradeFrom(sub.PlanTier) {
			pc.Kind = ChangeUpgrade
		}

		payment, err := s.createPayment(ctx, sub, quote, pc.Kind, phone, idempotencyKey)
		if err != nil {
			return err
		}
		pc.PaymentIntentID = payment.PaymentIntentID

		sub.Status = StatusPendingPayment
		sub.PendingChange = pc
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if err := s.recordIntentFormed(ctx, store, sub, pc, quote); err != nil {
			return err
		}

		events = []Event{newEvent(sub, EventPaymentInitiated, now, map[string]any{
			"payment_intent_id": payment.PaymentIntentID,
			"action":            string(pc.Kind),
			"amount":            quote.Amount,
		})}
		result = &InitiateResult{
			PaymentIntentID: payment.PaymentIntentID,
			Amount:          quote.Amount,
			Currency:        quote.Currency,
			Instructions:    payment.Instructions,
		}
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err)
	}

	s.finishInitiation(ctx, userID, idempotencyKey, result, events)
	return result, nil
}

// InitiateRenewal renews the current paid plan. Legal only inside the
// renewal window of an active cycle or during the grace period. A
// scheduled downgrade blocks renewal until the sweep applies it; the
// next cycle is then purchased at the downgraded tier.
func (s *Service) InitiateRenewal(ctx context.Context, userID uuid.UUID, phone, idempotencyKey string) (*InitiateResult, error) {
	if replay, err := s.idempotentReplay(ctx, userID, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}
	if err := s.allowInitiation(ctx, userID); err != nil {
		return nil, err
	}

	var (
		result *InitiateResult
		events []Event
	)
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status == StatusPendingPayment {
			return newConflictError(CodePendingPaymentExists, "a payment is already awaiting confirmation; retry or cancel it")
		}
		if sub.HasScheduledDowngrade() {
			return newConflictError(CodeDowngradeAlreadyScheduled,
				"a downgrade to %q is scheduled for cycle end; renew after it applies", sub.PendingChange.TargetTier)
		}
		if !sub.PlanTier.IsPaid() {
			return newValidationError(CodeInvalidState, "free subscriptions have nothing to renew")
		}
		switch sub.Status {
		case StatusActive:
			if !sub.InRenewalWindow(now) {
				return newValidationError(CodeRenewalOutsideWindow,
					"renewal opens %d days before expiry; %d days remain", int(RenewalWindow/(24*time.Hour)), sub.DaysUntilExpiry(now))
			}
		case StatusGracePeriod:
			// Renewal during grace is always allowed.
		default:
			return newValidationError(CodeInvalidState, "subscription in status %q cannot renew", sub.Status)
		}

		plan, err := s.paidPlan(ctx, sub.PlanTier)
		if err != nil {
			return err
		}
		quote := s.renewalQuote(*plan, sub)

		pc := &PendingChange{
			Version:     pendingChangeVersion,
			Kind:        ChangeRenewal,
			TargetTier:  sub.PlanTier,
			TargetCycle: sub.BillingCycle,
			PricingMode: quote.modeForPhase(),
			Amount:      quote.Amount,
			CycleDays:   quote.Days,
			CreatedAt:   now,
		}
		sub.snapshotInto(pc)

		payment, err := s.createPayment(ctx, sub, quote, ChangeRenewal, phone, idempotencyKey)
		if err != nil {
			return err
		}
		pc.PaymentIntentID = payment.PaymentIntentID

		sub.Status = StatusPendingPayment
		sub.PendingChange = pc
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if err := s.recordIntentFormed(ctx, store, sub, pc, quote); err != nil {
			return err
		}

		events = []Event{newEvent(sub, EventPaymentInitiated, now, map[string]any{
			"payment_intent_id": payment.PaymentIntentID,
			"action":            string(ChangeRenewal),
			"amount":            quote.Amount,
		})}
		result = &InitiateResult{
			PaymentIntentID: payment.PaymentIntentID,
			Amount:          quote.Amount,
			Currency:        quote.Currency,
			Instructions:    payment.Instructions,
		}
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err)
	}

	s.finishInitiation(ctx, userID, idempotencyKey, result, events)
	return result, nil
}

// InitiateUpgrade moves an active paid subscription to a higher paid
// tier at full regular price. Permitted only inside the renewal window
// or the grace period — never mid-cycle, to avoid refund obligations.
func (s *Service) InitiateUpgrade(ctx context.Context, userID uuid.UUID, tier Tier, phone, idempotencyKey string) (*InitiateResult, error) {
	if replay, err := s.idempotentReplay(ctx, userID, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}
	if err := s.allowInitiation(ctx, userID); err != nil {
		return nil, err
	}

	plan, err := s.paidPlan(ctx, tier)
	if err != nil {
		return nil, err
	}

	var (
		result *InitiateResult
		events []Event
	)
	err = s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status == StatusPendingPayment {
			return newConflictError(CodePendingPaymentExists, "a payment is already awaiting confirmation; retry or cancel it")
		}
		if sub.HasScheduledDowngrade() {
			return newConflictError(CodeDowngradeAlreadyScheduled,
				"a downgrade to %q is scheduled for cycle end; upgrade after it applies", sub.PendingChange.TargetTier)
		}
		if !sub.PlanTier.IsPaid() {
			return newValidationError(CodeNotAnUpgrade, "free subscriptions subscribe rather than upgrade")
		}
		if !tier.IsUpgradeFrom(sub.PlanTier) {
			return newValidationError(CodeNotAnUpgrade, "%q is not an upgrade from %q", tier, sub.PlanTier)
		}
		switch sub.Status {
		case StatusActive:
			if !sub.InRenewalWindow(now) {
				return newValidationError(CodeUpgradeOutsideWindow,
					"upgrades are permitted only in the last %d days of a cycle or during grace", int(RenewalWindow/(24*time.Hour)))
			}
		case StatusGracePeriod:
			// Upgrading out of grace is allowed.
		default:
			return newValidationError(CodeInvalidState, "subscription in status %q cannot upgrade", sub.Status)
		}

		// Upgrades always charge the full regular price (no proration).
		quote, err := ResolveQuote(*plan, PricingRegular, sub.BillingCycle, sub.IntroUsed)
		if err != nil {
			return err
		}

		pc := &PendingChange{
			Version:     pendingChangeVersion,
			Kind:        ChangeUpgrade,
			TargetTier:  tier,
			TargetCycle: sub.BillingCycle,
			PricingMode: PricingRegular,
			Amount:      quote.Amount,
			CycleDays:   quote.Days,
			CreatedAt:   now,
		}
		sub.snapshotInto(pc)

		payment, err := s.createPayment(ctx, sub, quote, ChangeUpgrade, phone, idempotencyKey)
		if err != nil {
			return err
		}
		pc.PaymentIntentID = payment.PaymentIntentID

		sub.Status = StatusPendingPayment
		sub.PendingChange = pc
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if err := s.recordIntentFormed(ctx, store, sub, pc, quote); err != nil {
			return err
		}

		events = []Event{newEvent(sub, EventPaymentInitiated, now, map[string]any{
			"payment_intent_id": payment.PaymentIntentID,
			"action":            string(ChangeUpgrade),
			"amount":            quote.Amount,
			"target_tier":       string(tier),
		})}
		result = &InitiateResult{
			PaymentIntentID: payment.PaymentIntentID,
			Amount:          quote.Amount,
			Currency:        quote.Currency,
			Instructions:    payment.Instructions,
		}
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err)
	}

	s.finishInitiation(ctx, userID, idempotencyKey, result, events)
	return result, nil
}

// RetryPendingPayment abandons the in-flight intent of a pending
// subscription and forms a fresh one for the same quote. The old
// intent is voided best-effort and its ledger row settled as unpaid.
func (s *Service) RetryPendingPayment(ctx context.Context, userID uuid.UUID, phone, idempotencyKey string) (*InitiateResult, error) {
	if replay, err := s.idempotentReplay(ctx, userID, idempotencyKey); replay != nil || err != nil {
		return replay, err
	}
	if err := s.allowInitiation(ctx, userID); err != nil {
		return nil, err
	}

	var (
		result *InitiateResult
		events []Event
	)
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if !sub.HasPendingPayment() {
			return newConflictError(CodeNoPendingPayment, "no payment is awaiting confirmation")
		}
		pc := sub.PendingChange
		oldIntentID := pc.PaymentIntentID

		quote := Quote{Amount: pc.Amount, Currency: s.currencyFor(ctx, pc.TargetTier), Days: pc.CycleDays}

		payment, err := s.createPayment(ctx, sub, quote, pc.Kind, phone, idempotencyKey)
		if err != nil {
			return err
		}

		s.voidIntent(ctx, oldIntentID)

		if err := store.UpdateHistoryByIntent(ctx, oldIntentID, PaymentUnpaid, "superseded by retry"); err != nil && !errors.Is(err, ErrHistoryNotFound) {
			return fmt.Errorf("settle superseded history: %w", err)
		}

		pc.PaymentIntentID = payment.PaymentIntentID
		pc.CreatedAt = now
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		row := &History{
			ID:              uuid.New(),
			SubscriptionID:  sub.ID,
			Action:          pc.Kind,
			PaymentStatus:   PaymentPending,
			Amount:          pc.Amount,
			Currency:        quote.Currency,
			FromTier:        pc.PriorTier,
			ToTier:          pc.TargetTier,
			PaymentIntentID: payment.PaymentIntentID,
			Notes:           "payment retried",
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := insertHistoryWithBillNumber(ctx, store, row, s.retry); err != nil {
			return err
		}

		events = []Event{newEvent(sub, EventPaymentInitiated, now, map[string]any{
			"payment_intent_id": payment.PaymentIntentID,
			"action":            string(pc.Kind),
			"amount":            pc.Amount,
			"retry_of":          oldIntentID,
		})}
		result = &InitiateResult{
			PaymentIntentID: payment.PaymentIntentID,
			Amount:          pc.Amount,
			Currency:        quote.Currency,
			Instructions:    payment.Instructions,
		}
		return nil
	})
	if err != nil {
		return nil, s.asDomainError(err)
	}

	s.finishInitiation(ctx, userID, idempotencyKey, result, events)
	return result, nil
}

// ScheduleDowngrade defers a move to a lower paid tier until the end of
// the current cycle. Downgrading to free is not possible; cancellation
// is the only path to the free tier.
func (s *Service) ScheduleDowngrade(ctx context.Context, userID uuid.UUID, tier Tier, effectiveAt *time.Time) error {
	if !tier.IsPaid() {
		return newValidationError(CodeNotADowngrade, "downgrades target paid tiers; cancel to return to free")
	}
	if _, err := s.paidPlan(ctx, tier); err != nil {
		return err
	}

	var events []Event
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status == StatusPendingPayment {
			return newConflictError(CodePendingPaymentExists, "a payment is already awaiting confirmation")
		}
		if sub.HasScheduledDowngrade() {
			return newConflictError(CodeDowngradeAlreadyScheduled, "a downgrade to %q is already scheduled", sub.PendingChange.TargetTier)
		}
		if sub.Status != StatusActive || !sub.PlanTier.IsPaid() {
			return newValidationError(CodeInvalidState, "only active paid subscriptions can schedule a downgrade")
		}
		if !tier.IsDowngradeFrom(sub.PlanTier) {
			return newValidationError(CodeNotADowngrade, "%q is not a downgrade from %q", tier, sub.PlanTier)
		}

		// Default to cycle end; an explicit date must not be earlier.
		effective := sub.ExpiresAt
		if effectiveAt != nil {
			if effectiveAt.Before(now) {
				return newValidationError(CodeInvalidState, "effective date is in the past")
			}
			if sub.ExpiresAt != nil && effectiveAt.Before(*sub.ExpiresAt) {
				return newValidationError(CodeInvalidState, "downgrades apply at cycle end or later, never mid-cycle")
			}
			effective = effectiveAt
		}
		if effective == nil {
			return newValidationError(CodeInvalidState, "subscription has no cycle end to defer to")
		}

		pc := &PendingChange{
			Version:     pendingChangeVersion,
			Kind:        ChangeDowngrade,
			TargetTier:  tier,
			TargetCycle: sub.BillingCycle,
			PricingMode: PricingRegular,
			EffectiveAt: effective,
			CreatedAt:   now,
		}
		sub.snapshotInto(pc)
		sub.PendingChange = pc
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		payload := map[string]any{
			"target_tier":  string(tier),
			"effective_at": effective.Format(time.RFC3339),
		}
		if err := store.AppendEventLog(ctx, &EventLogEntry{
			ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
			Type: EventDowngradeScheduled, Payload: payload, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}

		events = []Event{newEvent(sub, EventDowngradeScheduled, now, payload)}
		return nil
	})
	if err != nil {
		return s.asDomainError(err)
	}

	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// Cancel stops a subscription. From active or grace the paid period is
// honored: the plan and expiry stay, only renewals stop. From
// pending_payment the in-flight intent is voided and the prior state
// restored exactly.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, reason string) error {
	var events []Event
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		switch sub.Status {
		case StatusActive, StatusGracePeriod:
			if !sub.PlanTier.IsPaid() {
				return newValidationError(CodeInvalidState, "free subscriptions cannot be cancelled")
			}
			sub.Status = StatusCancelled
			sub.CancelledAt = &now
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return fmt.Errorf("save subscription: %w", err)
			}

			payload := map[string]any{"reason": reason}
			if err := store.AppendEventLog(ctx, &EventLogEntry{
				ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
				Type: EventSubscriptionCancelled, Payload: payload, CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append event log: %w", err)
			}
			events = []Event{newEvent(sub, EventSubscriptionCancelled, now, payload)}
			return nil

		case StatusPendingPayment:
			pc := sub.PendingChange
			if pc != nil && pc.PaymentIntentID != "" {
				s.voidIntent(ctx, pc.PaymentIntentID)
				if err := store.UpdateHistoryByIntent(ctx, pc.PaymentIntentID, PaymentUnpaid, "cancelled before confirmation"); err != nil && !errors.Is(err, ErrHistoryNotFound) {
					return fmt.Errorf("settle cancelled history: %w", err)
				}
			}
			sub.restoreSnapshot()
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return fmt.Errorf("save subscription: %w", err)
			}
			return nil

		default:
			return newValidationError(CodeInvalidState, "subscription in status %q cannot be cancelled", sub.Status)
		}
	})
	if err != nil {
		return s.asDomainError(err)
	}

	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// Resume reactivates a cancelled subscription whose paid period has not
// lapsed. No payment is required.
func (s *Service) Resume(ctx context.Context, userID uuid.UUID) error {
	var events []Event
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status != StatusCancelled {
			return newValidationError(CodeNotCancelled, "only cancelled subscriptions can resume")
		}
		if sub.ExpiresAt == nil || !now.Before(*sub.ExpiresAt) {
			return newValidationError(CodeSubscriptionExpired, "the paid period has lapsed; subscribe again instead")
		}

		sub.Status = StatusActive
		sub.CancelledAt = nil
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if err := store.AppendEventLog(ctx, &EventLogEntry{
			ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
			Type: EventSubscriptionResumed, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		events = []Event{newEvent(sub, EventSubscriptionResumed, now, nil)}
		return nil
	})
	if err != nil {
		return s.asDomainError(err)
	}

	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// Suspend is the admin-only fraud path, orthogonal to the billing
// timeline. The billing clock keeps running while suspended.
func (s *Service) Suspend(ctx context.Context, userID uuid.UUID, reason string) error {
	var events []Event
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status == StatusSuspended {
			return nil // idempotent
		}

		sub.Status = StatusSuspended
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		payload := map[string]any{"reason": reason}
		if err := store.AppendEventLog(ctx, &EventLogEntry{
			ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
			Type: EventSubscriptionSuspended, Payload: payload, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		events = []Event{newEvent(sub, EventSubscriptionSuspended, now, payload)}
		return nil
	})
	if err != nil {
		return s.asDomainError(err)
	}

	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// Reactivate lifts an admin suspension. The subscription lands in the
// state its billing timeline dictates: active while paid-up (or free),
// restricted when the paid period lapsed during suspension.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) error {
	var events []Event
	err := s.repo.AtomicByUser(ctx, userID, func(ctx context.Context, sub *Subscription, store TxStore) error {
		now := s.now()

		if sub.Status != StatusSuspended {
			return newValidationError(CodeNotSuspended, "subscription is not suspended")
		}

		if sub.IsFree() || (sub.ExpiresAt != nil && now.Before(*sub.ExpiresAt)) {
			sub.Status = StatusActive
		} else {
			sub.Status = StatusRestricted
			sub.RestrictedAt = &now
		}
		sub.UpdatedAt = now
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if err := store.AppendEventLog(ctx, &EventLogEntry{
			ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
			Type: EventSubscriptionReactivated, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		events = []Event{newEvent(sub, EventSubscriptionReactivated, now, nil)}
		return nil
	})
	if err != nil {
		return s.asDomainError(err)
	}

	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// --- shared internals ---

// idempotentReplay answers a repeated initiate* call with its original
// result. Checked before any lock is taken (fast path).
func (s *Service) idempotentReplay(ctx context.Context, userID uuid.UUID, key string) (*InitiateResult, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.repo.GetIdempotencyRecord(ctx, userID, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, newInternalError(err)
	}
	return &InitiateResult{
		PaymentIntentID: rec.PaymentIntentID,
		Amount:          rec.Amount,
		Currency:        rec.Currency,
		Instructions:    rec.Instructions,
	}, nil
}

// finishInitiation runs the post-commit tail shared by all initiate*
// operations: persist the idempotency answer and dispatch events.
func (s *Service) finishInitiation(ctx context.Context, userID uuid.UUID, key string, result *InitiateResult, events []Event) {
	if key != "" && result != nil {
		if err := s.repo.PutIdempotencyRecord(ctx, &IdempotencyRecord{
			UserID:          userID,
			Key:             key,
			PaymentIntentID: result.PaymentIntentID,
			Amount:          result.Amount,
			Currency:        result.Currency,
			Instructions:    result.Instructions,
			CreatedAt:       s.now(),
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to store idempotency record",
				slog.String("user_id", userID.String()),
				slog.Any("error", err))
		}
	}
	s.dispatcher.Dispatch(ctx, events...)
}

// allowInitiation applies admission control to payment initiation.
func (s *Service) allowInitiation(ctx context.Context, userID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Allow(ctx, opPaymentInitiation, userID.String())
	if err != nil {
		// Advisory throttle: a broken limiter store never blocks billing.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.Any("error", err))
		return nil
	}
	if !res.Allowed() {
		return &Error{
			Code:    CodeRateLimited,
			Kind:    KindTransient,
			Message: fmt.Sprintf("too many payment attempts; retry in %s", res.RetryAfter().Round(time.Second)),
		}
	}
	return nil
}

// createPayment calls the gateway through the circuit breaker.
func (s *Service) createPayment(ctx context.Context, sub *Subscription, quote Quote, kind ChangeKind, phone, idempotencyKey string) (*CreatePaymentResult, error) {
	req := CreatePaymentRequest{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         quote.Amount,
		Currency:       quote.Currency,
		Phone:          phone,
		Purpose:        fmt.Sprintf("subscription %s", kind),
		IdempotencyKey: idempotencyKey,
		Metadata:       intentMetadata(sub.ID, kind, quote.Days),
	}

	var result *CreatePaymentResult
	call := func(ctx context.Context) error {
		var err error
		result, err = s.gateway.CreatePayment(ctx, req)
		return err
	}

	var err error
	if s.gatewayBreaker != nil {
		err = s.gatewayBreaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if breaker.IsOpen(err) {
			return nil, newTransientError(CodeGatewayUnavailable, err, "payment gateway is temporarily unavailable")
		}
		return nil, newTransientError(CodeGatewayUnavailable, err, "payment gateway call failed")
	}
	return result, nil
}

// voidIntent abandons an in-flight intent best-effort; a failure to
// void is logged, not propagated, since the gateway expires unconfirmed
// intents on its own.
func (s *Service) voidIntent(ctx context.Context, paymentIntentID string) {
	if paymentIntentID == "" {
		return
	}
	if err := s.gateway.VoidPayment(ctx, paymentIntentID); err != nil {
		s.logger.WarnContext(ctx, "failed to void payment intent",
			slog.String("payment_intent_id", paymentIntentID),
			slog.Any("error", err))
	}
}

// recordIntentFormed writes the pending ledger row for a fresh intent.
func (s *Service) recordIntentFormed(ctx context.Context, store TxStore, sub *Subscription, pc *PendingChange, quote Quote) error {
	now := s.now()
	row := &History{
		ID:              uuid.New(),
		SubscriptionID:  sub.ID,
		Action:          pc.Kind,
		PaymentStatus:   PaymentPending,
		Amount:          quote.Amount,
		Currency:        quote.Currency,
		FromTier:        pc.PriorTier,
		ToTier:          pc.TargetTier,
		PaymentIntentID: pc.PaymentIntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := insertHistoryWithBillNumber(ctx, store, row, s.retry); err != nil {
		return err
	}

	if err := store.AppendEventLog(ctx, &EventLogEntry{
		ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
		Type: EventPaymentInitiated,
		Payload: map[string]any{
			"payment_intent_id": pc.PaymentIntentID,
			"action":            string(pc.Kind),
			"amount":            quote.Amount,
		},
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

// renewalQuote prices a renewal: intro price while intro cycles remain,
// regular price afterwards.
func (s *Service) renewalQuote(plan Plan, sub *Subscription) Quote {
	if sub.BillingPhase == PhaseIntro && sub.IntroCyclesRemaining > 0 {
		days := plan.IntroDurationDays
		if days <= 0 {
			days = DefaultIntroDurationDays
		}
		return Quote{Amount: plan.IntroPrice, Currency: plan.Currency, Days: days, Phase: PhaseIntro}
	}
	if sub.BillingCycle == CycleYearly {
		return Quote{Amount: plan.PriceYearly, Currency: plan.Currency, Days: regularYearlyDays, Phase: PhaseRegular}
	}
	return Quote{Amount: plan.PriceMonthly, Currency: plan.Currency, Days: regularMonthlyDays, Phase: PhaseRegular}
}

// modeForPhase maps a quote's phase back to the pricing mode recorded
// in the pending change.
func (q Quote) modeForPhase() PricingMode {
	if q.Phase == PhaseIntro {
		return PricingIntro
	}
	return PricingRegular
}

// paidPlan loads and validates a purchasable plan from the catalog.
func (s *Service) paidPlan(ctx context.Context, tier Tier) (*Plan, error) {
	if !tier.Valid() {
		return nil, newValidationError(CodeInvalidTier, "unknown tier %q", tier)
	}
	if !tier.IsPaid() {
		return nil, newValidationError(CodeInvalidTier, "the free tier cannot be purchased")
	}
	plans, err := s.plans.Load(ctx)
	if err != nil {
		return nil, newInternalError(err)
	}
	plan, ok := plans[tier]
	if !ok || !plan.Active {
		return nil, newValidationError(CodePlanNotAvailable, "plan %q is not available", tier)
	}
	return &plan, nil
}

// currencyFor resolves the catalog currency for a tier, defaulting to
// the empty string if the catalog is unreachable (the stored amount is
// authoritative either way).
func (s *Service) currencyFor(ctx context.Context, tier Tier) string {
	plans, err := s.plans.Load(ctx)
	if err != nil {
		return ""
	}
	return plans[tier].Currency
}

// ensureExists creates the user's free subscription row when missing so
// the one-row-per-user invariant holds before locking.
func (s *Service) ensureExists(ctx context.Context, userID uuid.UUID) error {
	_, err := s.repo.GetByUserID(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return newInternalError(err)
	}

	now := s.now()
	sub := &Subscription{
		ID:           uuid.New(),
		UserID:       userID,
		PlanTier:     TierFree,
		Status:       StatusActive,
		BillingCycle: CycleMonthly,
		BillingPhase: PhaseRegular,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return newInternalError(err)
	}
	return nil
}

// asDomainError passes domain errors through and classifies everything
// else: lock contention becomes a retriable transient error, the rest
// an internal error with context logged but not exposed.
func (s *Service) asDomainError(err error) error {
	var domain *Error
	if errors.As(err, &domain) {
		return domain
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Code: CodeNoSubscription, Kind: KindValidation, Message: "no subscription exists for this user"}
	}
	if errors.Is(err, ErrRowLocked) {
		return newTransientError(CodeLockContention, err, "subscription is being modified concurrently; retry")
	}
	s.logger.Error("unexpected subscription error", slog.Any("error", err))
	return newInternalError(err)
}
