package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/svc/subscription"
)

func TestActivationPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("intro activation applies plan, phase and expiry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)

		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.Equal(t, subscription.StatusActive, activated.Status)
		assert.Equal(t, subscription.TierPro, activated.PlanTier)
		assert.Equal(t, subscription.PhaseIntro, activated.BillingPhase)
		require.NotNil(t, activated.ExpiresAt)
		assert.Equal(t, f.clock.Now().Add(28*24*time.Hour), *activated.ExpiresAt)

		got, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.True(t, got.IntroUsed, "intro eligibility burns on first successful intro payment")
		assert.Zero(t, got.IntroCyclesRemaining)
		assert.Nil(t, got.PendingChange)
		assert.Equal(t, res.PaymentIntentID, got.LastPaymentIntentID)

		rows := f.repo.HistoryBySubscription(sub.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, subscription.PaymentPaid, rows[0].PaymentStatus)

		assert.Len(t, f.sink.ofType(subscription.EventSubscriptionActivated), 1)
	})

	t.Run("duplicate delivery replays the original result", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		first := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.False(t, first.Replayed)

		second := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.PlanTier, second.PlanTier)

		assert.Len(t, f.sink.ofType(subscription.EventSubscriptionActivated), 1, "terminal event fires exactly once")
	})

	t.Run("concurrent deliveries process exactly once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		const deliveries = 8
		results := make([]*subscription.ActivationResult, deliveries)

		var wg sync.WaitGroup
		for i := 0; i < deliveries; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := f.pipe.OnPaymentIntentResolved(ctx, f.intent(sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount))
				assert.NoError(t, err)
				results[i] = r
			}(i)
		}
		wg.Wait()

		processed := 0
		for _, r := range results {
			require.NotNil(t, r)
			assert.Equal(t, subscription.StatusActive, r.Status)
			if !r.Replayed {
				processed++
			}
		}
		assert.Equal(t, 1, processed)
		assert.Len(t, f.sink.ofType(subscription.EventSubscriptionActivated), 1)
	})

	t.Run("failed first-time payment moves to failed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		failed := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentFailed, res.Amount)
		assert.Equal(t, subscription.StatusFailed, failed.Status)
		assert.Equal(t, subscription.TierFree, failed.PlanTier)
		assert.False(t, failed.TierChanged)

		got, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.False(t, got.IntroUsed, "a failed intro payment must not burn eligibility")

		rows := f.repo.HistoryBySubscription(sub.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, subscription.PaymentUnpaid, rows[0].PaymentStatus)
		assert.Len(t, f.sink.ofType(subscription.EventPaymentFailed), 1)
	})

	t.Run("expired first-time payment window parks in expired", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		expired := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentExpired, res.Amount)
		assert.Equal(t, subscription.StatusExpired, expired.Status)
		assert.Equal(t, subscription.TierFree, expired.PlanTier)

		got, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusExpired, got.Status)
		assert.False(t, got.IntroUsed, "an expired window must not burn intro eligibility")
		assert.Nil(t, got.PendingChange)

		// A lapsed window is not a dead end: initiating again is legal.
		_, err = f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
	})

	t.Run("failed renewal after expiry restricts instead of downgrading", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 1*time.Hour)

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)

		f.clock.Advance(2 * time.Hour) // cycle lapses while payment is in flight

		failed := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentFailed, res.Amount)
		assert.Equal(t, subscription.StatusRestricted, failed.Status)
		assert.Equal(t, subscription.TierPro, failed.PlanTier, "tier is never silently downgraded")
	})

	t.Run("expired intent is handled like a failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)

		expired := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentExpired, res.Amount)
		assert.Equal(t, subscription.IntentExpired, expired.Outcome)
		assert.Equal(t, subscription.StatusActive, expired.Status, "prior cycle still valid, snapshot restored")
	})

	t.Run("last intro cycle flips the phase on renewal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		now := f.clock.Now()
		end := now.Add(3 * 24 * time.Hour)
		start := end.Add(-28 * 24 * time.Hour)
		sub := &subscription.Subscription{
			ID:                    uuid.New(),
			UserID:                uuid.New(),
			PlanTier:              subscription.TierPro,
			Status:                subscription.StatusActive,
			BillingCycle:          subscription.CycleMonthly,
			BillingPhase:          subscription.PhaseIntro,
			IntroCyclesRemaining:  1,
			IntroUsed:             true,
			CurrentCycleStartedAt: &start,
			CurrentCycleEndsAt:    &end,
			ExpiresAt:             &end,
			CreatedAt:             start,
			UpdatedAt:             now,
		}
		require.NoError(t, f.repo.CreateSubscription(ctx, sub))

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)
		assert.Equal(t, int64(500), res.Amount, "the remaining intro cycle is intro-priced")

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.Equal(t, subscription.PhaseRegular, activated.BillingPhase, "consuming the last intro cycle flips the phase")

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Zero(t, got.IntroCyclesRemaining)
	})

	t.Run("plan deactivated mid-flight still activates the paid intent", func(t *testing.T) {
		t.Parallel()
		catalog := newMutableCatalog(t)
		f := newFixtureWithPlans(t, catalog)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)

		// The catalog retires the plan while the payment is in flight.
		catalog.deactivate(subscription.TierPro)

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.Equal(t, subscription.StatusActive, activated.Status)
		assert.Equal(t, subscription.TierPro, activated.PlanTier)
		assert.Equal(t, subscription.PhaseIntro, activated.BillingPhase)

		got, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.True(t, got.IntroUsed)
		assert.Zero(t, got.IntroCyclesRemaining, "the one intro cycle was consumed by activation")
	})

	t.Run("unknown subscription is reported, not retried", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.pipe.OnPaymentIntentResolved(ctx, subscription.PaymentIntent{
			ID:     "pi_orphan",
			Status: subscription.IntentSuccess,
			Metadata: map[string]string{
				"subscription_id": uuid.NewString(),
			},
		})
		require.Error(t, err)
		assert.Equal(t, subscription.CodeNoSubscription, subscription.CodeOf(err))
		assert.Equal(t, subscription.KindValidation, subscription.KindOf(err))
	})

	t.Run("intent without subscription metadata is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.pipe.OnPaymentIntentResolved(ctx, subscription.PaymentIntent{
			ID:     "pi_bare",
			Status: subscription.IntentSuccess,
		})
		require.Error(t, err)
		assert.Equal(t, subscription.CodeInvalidState, subscription.CodeOf(err))
	})

	t.Run("non-terminal intent is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		_, err := f.pipe.OnPaymentIntentResolved(ctx, f.intent(sub, "pi_pending", subscription.IntentPending, 0))
		require.Error(t, err)
		assert.Equal(t, subscription.CodeInvalidState, subscription.CodeOf(err))
	})
}

// mutableCatalog is a PlanSource whose entries can change between
// loads, mimicking catalog edits landing while payments are in flight.
type mutableCatalog struct {
	mu    sync.Mutex
	plans map[subscription.Tier]subscription.Plan
}

func newMutableCatalog(t *testing.T) *mutableCatalog {
	t.Helper()

	plans, err := testPlans().Load(context.Background())
	require.NoError(t, err)
	return &mutableCatalog{plans: plans}
}

func (c *mutableCatalog) Load(ctx context.Context) (map[subscription.Tier]subscription.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[subscription.Tier]subscription.Plan, len(c.plans))
	for tier, plan := range c.plans {
		out[tier] = plan
	}
	return out, nil
}

func (c *mutableCatalog) deactivate(tier subscription.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	plan := c.plans[tier]
	plan.Active = false
	c.plans[tier] = plan
}
