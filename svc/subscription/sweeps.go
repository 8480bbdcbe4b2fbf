package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// sweepBatchSize bounds how many candidates one sweep run processes.
const sweepBatchSize = 500

// Renewal reminders fan out at these days-before-expiry marks.
var reminderDays = []int{5, 3, 1}

// SweepExpired moves active paid subscriptions whose expiry passed into
// the grace period. The grace deadline anchors at expires_at, not at
// sweep time, so a delayed sweep never extends the window. Idempotent:
// a rerun finds no matching candidates.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.repo.DueForExpiry(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	processed := 0
	for _, id := range ids {
		err := s.sweepOne(ctx, id, func(ctx context.Context, sub *Subscription, store TxStore) ([]Event, error) {
			// Re-check under the lock; a concurrent renewal may have won.
			if sub.Status != StatusActive || !sub.PlanTier.IsPaid() ||
				sub.ExpiresAt == nil || sub.ExpiresAt.After(now) {
				return nil, nil
			}

			graceEnd := sub.ExpiresAt.Add(GracePeriod)
			sub.Status = StatusGracePeriod
			sub.GracePeriodEndsAt = &graceEnd
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return nil, fmt.Errorf("save subscription: %w", err)
			}

			payload := map[string]any{
				"expired_at":           sub.ExpiresAt.Format(time.RFC3339),
				"grace_period_ends_at": graceEnd.Format(time.RFC3339),
			}
			if err := s.logEvents(ctx, store, sub, now,
				eventWith(EventSubscriptionExpired, payload),
				eventWith(EventGracePeriodStarted, payload),
			); err != nil {
				return nil, err
			}
			return []Event{
				newEvent(sub, EventSubscriptionExpired, now, payload),
				newEvent(sub, EventGracePeriodStarted, now, payload),
			}, nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry sweep failed for subscription",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepGraceExpired restricts subscriptions whose grace period lapsed
// without a renewal. Tier and data are preserved.
func (s *Service) SweepGraceExpired(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.repo.DueForGraceExpiry(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list grace-expired: %w", err)
	}

	processed := 0
	for _, id := range ids {
		err := s.sweepOne(ctx, id, func(ctx context.Context, sub *Subscription, store TxStore) ([]Event, error) {
			if sub.Status != StatusGracePeriod ||
				sub.GracePeriodEndsAt == nil || sub.GracePeriodEndsAt.After(now) {
				return nil, nil
			}

			sub.Status = StatusRestricted
			sub.RestrictedAt = &now
			sub.GracePeriodEndsAt = nil
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return nil, fmt.Errorf("save subscription: %w", err)
			}

			payload := map[string]any{"plan_tier": string(sub.PlanTier)}
			if err := s.logEvents(ctx, store, sub, now, eventWith(EventSubscriptionRestricted, payload)); err != nil {
				return nil, err
			}
			return []Event{newEvent(sub, EventSubscriptionRestricted, now, payload)}, nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "grace sweep failed for subscription",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepDelinquent downgrades subscriptions restricted for longer than
// the delinquency period to the free tier. This is the only automatic
// tier downgrade in the system.
func (s *Service) SweepDelinquent(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.delinquencyAfter)
	ids, err := s.repo.DueForDelinquency(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list delinquent: %w", err)
	}

	processed := 0
	for _, id := range ids {
		err := s.sweepOne(ctx, id, func(ctx context.Context, sub *Subscription, store TxStore) ([]Event, error) {
			if sub.Status != StatusRestricted ||
				sub.RestrictedAt == nil || sub.RestrictedAt.After(cutoff) {
				return nil, nil
			}

			fromTier := sub.PlanTier
			sub.PlanTier = TierFree
			sub.Status = StatusActive
			sub.BillingPhase = PhaseRegular
			sub.IntroCyclesRemaining = 0
			sub.CurrentCycleStartedAt = nil
			sub.CurrentCycleEndsAt = nil
			sub.ExpiresAt = nil
			sub.RestrictedAt = nil
			sub.PendingChange = nil
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return nil, fmt.Errorf("save subscription: %w", err)
			}

			payload := map[string]any{"from_tier": string(fromTier)}
			if err := s.logEvents(ctx, store, sub, now, eventWith(EventDelinquencyDowngraded, payload)); err != nil {
				return nil, err
			}
			return []Event{newEvent(sub, EventDelinquencyDowngraded, now, payload)}, nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "delinquency sweep failed for subscription",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepPendingChanges applies scheduled downgrades whose effective date
// arrived. The ledger gets a zero-amount row so the plan-change pair is
// auditable without a charge.
func (s *Service) SweepPendingChanges(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.repo.DueForPendingChange(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due pending changes: %w", err)
	}

	processed := 0
	for _, id := range ids {
		err := s.sweepOne(ctx, id, func(ctx context.Context, sub *Subscription, store TxStore) ([]Event, error) {
			if !sub.HasScheduledDowngrade() || sub.PendingChange.EffectiveAt.After(now) {
				return nil, nil
			}
			if sub.Status != StatusActive && sub.Status != StatusGracePeriod && sub.Status != StatusRestricted {
				return nil, nil
			}

			pc := sub.PendingChange
			fromTier := sub.PlanTier
			sub.PlanTier = pc.TargetTier
			sub.PendingChange = nil
			sub.UpdatedAt = now
			if err := store.SaveSubscription(ctx, sub); err != nil {
				return nil, fmt.Errorf("save subscription: %w", err)
			}

			row := &History{
				ID:             uuid.New(),
				SubscriptionID: sub.ID,
				Action:         ChangeDowngrade,
				PaymentStatus:  PaymentPaid,
				Amount:         0,
				FromTier:       fromTier,
				ToTier:         pc.TargetTier,
				Notes:          "scheduled downgrade applied",
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := insertHistoryWithBillNumber(ctx, store, row, s.retry); err != nil {
				return nil, err
			}

			payload := map[string]any{
				"from_tier": string(fromTier),
				"to_tier":   string(pc.TargetTier),
			}
			if err := s.logEvents(ctx, store, sub, now, eventWith(EventPlanChangeApplied, payload)); err != nil {
				return nil, err
			}
			return []Event{newEvent(sub, EventPlanChangeApplied, now, payload)}, nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "pending-change sweep failed for subscription",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepRenewalReminders emits renewal_reminder events at the configured
// days-before-expiry marks. The event log deduplicates: each (bucket,
// cycle) pair fires once even across overlapping sweep runs.
func (s *Service) SweepRenewalReminders(ctx context.Context) (int, error) {
	now := s.now()
	maxDays := reminderDays[0]
	ids, err := s.repo.ExpiringWithin(ctx, now, time.Duration(maxDays)*24*time.Hour, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiring: %w", err)
	}

	sent := 0
	for _, id := range ids {
		sub, err := s.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.ErrorContext(ctx, "reminder sweep failed to load subscription",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		if sub.Status != StatusActive || !sub.PlanTier.IsPaid() || sub.ExpiresAt == nil {
			continue
		}

		daysLeft := sub.DaysUntilExpiry(now)
		bucket, ok := reminderBucket(daysLeft)
		if !ok {
			continue
		}

		cycleStart := now.Add(-time.Duration(365) * 24 * time.Hour)
		if sub.CurrentCycleStartedAt != nil {
			cycleStart = *sub.CurrentCycleStartedAt
		}
		already, err := s.repo.ReminderSent(ctx, sub.ID, bucket, cycleStart)
		if err != nil {
			s.logger.ErrorContext(ctx, "reminder dedup check failed",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}
		if already {
			continue
		}

		payload := map[string]any{
			"days_left":  bucket,
			"expires_at": sub.ExpiresAt.Format(time.RFC3339),
			"plan_tier":  string(sub.PlanTier),
		}
		err = s.repo.Atomic(ctx, sub.ID, func(ctx context.Context, sub *Subscription, store TxStore) error {
			return store.AppendEventLog(ctx, &EventLogEntry{
				ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
				Type: EventRenewalReminder, Payload: payload, CreatedAt: now,
			})
		})
		if err != nil {
			if errors.Is(err, ErrRowLocked) {
				continue // the next run will pick it up
			}
			s.logger.ErrorContext(ctx, "failed to record renewal reminder",
				slog.String("subscription_id", id.String()), slog.Any("error", err))
			continue
		}

		s.dispatcher.Dispatch(ctx, newEvent(sub, EventRenewalReminder, now, payload))
		sent++
	}
	return sent, nil
}

// reminderBucket maps days-left to the nearest configured mark, so a
// sweep that runs late still lands in a bucket instead of skipping.
func reminderBucket(daysLeft int) (int, bool) {
	if daysLeft <= 0 || daysLeft > reminderDays[0] {
		return 0, false
	}
	for _, d := range reminderDays {
		if daysLeft >= d {
			return d, true
		}
	}
	return reminderDays[len(reminderDays)-1], true
}

// sweepOne runs one sweep mutation under the row lock, skipping rows
// held by concurrent writers and rows that vanished between listing and
// locking. Events returned by fn dispatch after commit.
func (s *Service) sweepOne(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) ([]Event, error)) error {
	var events []Event
	err := s.repo.Atomic(ctx, id, func(ctx context.Context, sub *Subscription, store TxStore) error {
		var err error
		events, err = fn(ctx, sub, store)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRowLocked) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	s.dispatcher.Dispatch(ctx, events...)
	return nil
}

// eventWith pairs an event type with its payload for logEvents.
type loggedEvent struct {
	typ     EventType
	payload map[string]any
}

func eventWith(typ EventType, payload map[string]any) loggedEvent {
	return loggedEvent{typ: typ, payload: payload}
}

// logEvents appends audit rows for each event inside the transaction.
func (s *Service) logEvents(ctx context.Context, store TxStore, sub *Subscription, at time.Time, events ...loggedEvent) error {
	for _, ev := range events {
		if err := store.AppendEventLog(ctx, &EventLogEntry{
			ID: uuid.New(), SubscriptionID: sub.ID, UserID: sub.UserID,
			Type: ev.typ, Payload: ev.payload, CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
	}
	return nil
}
