package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subscription. All mutations flow
// through the Service; nothing outside this package writes a Status.
type Status string

const (
	// StatusPendingPayment is an intent awaiting gateway confirmation.
	StatusPendingPayment Status = "pending_payment"
	// StatusActive is a paid (or free-tier) subscription within its cycle.
	StatusActive Status = "active"
	// StatusGracePeriod is a lapsed subscription inside the 72h window
	// during which it can still renew without penalty.
	StatusGracePeriod Status = "grace_period"
	// StatusRestricted preserves tier and data but gates feature access.
	StatusRestricted Status = "restricted"
	// StatusCancelled is user-cancelled; paid period is honored.
	StatusCancelled Status = "cancelled"
	// StatusSuspended is the admin-only fraud path.
	StatusSuspended Status = "suspended"
	// StatusFailed is a first-time subscription whose payment failed.
	StatusFailed Status = "failed"
	// StatusExpired is a first-time pending_payment whose payment window
	// timed out without confirmation or retry.
	StatusExpired Status = "expired"
)

// ChangeKind classifies an in-flight or scheduled plan change.
type ChangeKind string

const (
	ChangeInitial   ChangeKind = "initial"
	ChangeRenewal   ChangeKind = "renewal"
	ChangeUpgrade   ChangeKind = "upgrade"
	ChangeDowngrade ChangeKind = "downgrade"
)

// PendingChange is the typed workflow record carried across the
// request/webhook boundary. It replaces free-form metadata snapshots:
// the prior state lets a payment failure roll the subscription back
// exactly, and the target fields tell activation what to apply.
type PendingChange struct {
	Version int        `json:"version"`
	Kind    ChangeKind `json:"kind"`

	// Target of the change.
	TargetTier  Tier         `json:"target_tier"`
	TargetCycle BillingCycle `json:"target_cycle"`
	PricingMode PricingMode  `json:"pricing_mode"`
	Amount      int64        `json:"amount"`
	CycleDays   int          `json:"cycle_days"`

	// IntroCycles snapshots the plan's intro allowance at quote time so
	// activation never depends on the live catalog. A plan deactivated
	// while its payment is in flight must still activate.
	IntroCycles int `json:"intro_cycles,omitempty"`

	// In-flight payment intent, if one was created.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`

	// Snapshot of the state to restore if the payment fails.
	PriorTier      Tier         `json:"prior_tier"`
	PriorStatus    Status       `json:"prior_status"`
	PriorCycle     BillingCycle `json:"prior_cycle,omitempty"`
	PriorPhase     BillingPhase `json:"prior_phase,omitempty"`
	PriorExpiresAt *time.Time   `json:"prior_expires_at,omitempty"`

	// EffectiveAt is set for scheduled downgrades; the sweep applies the
	// change at or after this time.
	EffectiveAt *time.Time `json:"effective_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// pendingChangeVersion is bumped when the PendingChange schema changes;
// readers reject unknown versions instead of misinterpreting them.
const pendingChangeVersion = 1

// Subscription is the one-per-user billing record. It is created once
// (free plan at registration) and never deleted: cancellation, expiry
// and downgrades are status or plan mutations.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	PlanTier     Tier
	Status       Status
	BillingCycle BillingCycle
	BillingPhase BillingPhase

	IntroCyclesRemaining int
	// IntroUsed is the lifetime intro-eligibility flag; burned only
	// after a successful intro payment.
	IntroUsed bool

	CurrentCycleStartedAt *time.Time
	CurrentCycleEndsAt    *time.Time
	// ExpiresAt is the authoritative "access until" timestamp.
	// Nil only while the tier is free.
	ExpiresAt         *time.Time
	GracePeriodEndsAt *time.Time
	RestrictedAt      *time.Time
	CancelledAt       *time.Time

	PendingChange *PendingChange

	LastPaymentIntentID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RenewalWindow is the tail of an active cycle during which renewal and
// upgrades are permitted.
const RenewalWindow = 5 * 24 * time.Hour

// GracePeriod is how long a lapsed subscription can still renew.
const GracePeriod = 72 * time.Hour

// DefaultDelinquencyPeriod is how long a restricted subscription waits
// before the delinquency sweep downgrades it to the free tier.
const DefaultDelinquencyPeriod = 90 * 24 * time.Hour

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsFree() bool {
	return s.PlanTier == TierFree
}

// InRenewalWindow reports whether now falls in the last RenewalWindow
// of the current paid cycle.
func (s *Subscription) InRenewalWindow(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	if now.After(*s.ExpiresAt) {
		return false
	}
	return s.ExpiresAt.Sub(now) <= RenewalWindow
}

// InGracePeriod reports whether now falls inside an open grace period.
func (s *Subscription) InGracePeriod(now time.Time) bool {
	return s.Status == StatusGracePeriod &&
		s.GracePeriodEndsAt != nil &&
		now.Before(*s.GracePeriodEndsAt)
}

// DaysUntilExpiry returns whole days (rounded up) until ExpiresAt,
// or 0 when absent or already past.
func (s *Subscription) DaysUntilExpiry(now time.Time) int {
	if s.ExpiresAt == nil {
		return 0
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// HasPendingPayment reports whether an intent is awaiting confirmation.
func (s *Subscription) HasPendingPayment() bool {
	return s.Status == StatusPendingPayment &&
		s.PendingChange != nil &&
		s.PendingChange.PaymentIntentID != ""
}

// HasScheduledDowngrade reports whether a deferred downgrade awaits its
// effective date.
func (s *Subscription) HasScheduledDowngrade() bool {
	return s.PendingChange != nil &&
		s.PendingChange.Kind == ChangeDowngrade &&
		s.PendingChange.EffectiveAt != nil
}

// snapshotInto records the current state into a PendingChange so a
// failed payment can restore it exactly.
func (s *Subscription) snapshotInto(pc *PendingChange) {
	pc.PriorTier = s.PlanTier
	pc.PriorStatus = s.Status
	pc.PriorCycle = s.BillingCycle
	pc.PriorPhase = s.BillingPhase
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		pc.PriorExpiresAt = &t
	}
}

// restoreSnapshot puts the subscription back to the state recorded in
// its PendingChange and clears the pending record.
func (s *Subscription) restoreSnapshot() {
	pc := s.PendingChange
	if pc == nil {
		return
	}
	s.PlanTier = pc.PriorTier
	s.Status = pc.PriorStatus
	if pc.PriorCycle != "" {
		s.BillingCycle = pc.PriorCycle
	}
	if pc.PriorPhase != "" {
		s.BillingPhase = pc.PriorPhase
	}
	s.ExpiresAt = nil
	if pc.PriorExpiresAt != nil {
		t := *pc.PriorExpiresAt
		s.ExpiresAt = &t
	}
	s.PendingChange = nil
}
