package subscription_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/ratelimiter"
	"github.com/pesaflow/billing/svc/subscription"
)

// testClock is a mutable time source shared by the service under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGateway records outbound calls and mints sequential intent IDs.
type fakeGateway struct {
	mu      sync.Mutex
	next    int
	created []subscription.CreatePaymentRequest
	voided  []string
	err     error
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req subscription.CreatePaymentRequest) (*subscription.CreatePaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.next++
	g.created = append(g.created, req)
	return &subscription.CreatePaymentResult{
		PaymentIntentID: fmt.Sprintf("pi_%04d", g.next),
		Instructions:    "approve the prompt on your phone",
	}, nil
}

func (g *fakeGateway) VoidPayment(ctx context.Context, paymentIntentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voided = append(g.voided, paymentIntentID)
	return nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

// collectSink captures dispatched events for assertions.
type collectSink struct {
	mu     sync.Mutex
	events []subscription.Event
}

func (s *collectSink) Deliver(ctx context.Context, event subscription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *collectSink) ofType(typ subscription.EventType) []subscription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscription.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testPlans() subscription.PlanSource {
	return subscription.NewInMemSource(
		subscription.Plan{Tier: subscription.TierFree, Currency: "KES", Active: true},
		subscription.Plan{
			Tier: subscription.TierBeginning, IntroPrice: 200, IntroDurationDays: 28, IntroCycles: 1,
			PriceMonthly: 900, PriceYearly: 9000, Currency: "KES", Active: true,
		},
		subscription.Plan{
			Tier: subscription.TierPro, IntroPrice: 500, IntroDurationDays: 28, IntroCycles: 1,
			PriceMonthly: 1500, PriceYearly: 15000, Currency: "KES", Active: true,
		},
		subscription.Plan{
			Tier: subscription.TierEnterprise,
			PriceMonthly: 5000, PriceYearly: 50000, Currency: "KES", Active: true,
		},
	)
}

type fixture struct {
	repo    *subscription.MemoryRepository
	gateway *fakeGateway
	sink    *collectSink
	clock   *testClock
	svc     *subscription.Service
	pipe    *subscription.ActivationPipeline
}

func newFixture(t *testing.T, opts ...subscription.ServiceOption) *fixture {
	t.Helper()
	return newFixtureWithPlans(t, testPlans(), opts...)
}

func newFixtureWithPlans(t *testing.T, plans subscription.PlanSource, opts ...subscription.ServiceOption) *fixture {
	t.Helper()

	f := &fixture{
		repo:    subscription.NewMemoryRepository(),
		gateway: &fakeGateway{},
		sink:    &collectSink{},
		clock:   newTestClock(),
	}
	dispatcher := subscription.NewDispatcher(nil, f.sink)

	opts = append([]subscription.ServiceOption{subscription.WithClock(f.clock.Now)}, opts...)
	svc, err := subscription.NewService(f.repo, plans, f.gateway, dispatcher, opts...)
	require.NoError(t, err)
	f.svc = svc

	pipe, err := subscription.NewActivationPipeline(svc)
	require.NoError(t, err)
	f.pipe = pipe
	return f
}

// seedActive creates an active paid subscription directly.
func (f *fixture) seedActive(t *testing.T, tier subscription.Tier, expiresIn time.Duration) *subscription.Subscription {
	t.Helper()

	now := f.clock.Now()
	start := now.Add(expiresIn - 30*24*time.Hour)
	end := now.Add(expiresIn)
	sub := &subscription.Subscription{
		ID:                    uuid.New(),
		UserID:                uuid.New(),
		PlanTier:              tier,
		Status:                subscription.StatusActive,
		BillingCycle:          subscription.CycleMonthly,
		BillingPhase:          subscription.PhaseRegular,
		IntroUsed:             true,
		CurrentCycleStartedAt: &start,
		CurrentCycleEndsAt:    &end,
		ExpiresAt:             &end,
		CreatedAt:             now.Add(-60 * 24 * time.Hour),
		UpdatedAt:             now,
	}
	require.NoError(t, f.repo.CreateSubscription(context.Background(), sub))
	return sub
}

// resolve drives a terminal webhook for the given intent.
func (f *fixture) resolve(t *testing.T, sub *subscription.Subscription, intentID string, status subscription.IntentStatus, amount int64) *subscription.ActivationResult {
	t.Helper()

	res, err := f.pipe.OnPaymentIntentResolved(context.Background(), f.intent(sub, intentID, status, amount))
	require.NoError(t, err)
	return res
}

func (f *fixture) intent(sub *subscription.Subscription, intentID string, status subscription.IntentStatus, amount int64) subscription.PaymentIntent {
	return subscription.PaymentIntent{
		ID:       intentID,
		Status:   status,
		Amount:   amount,
		Currency: "KES",
		Provider: "mpesa",
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"action":          "initial",
		},
	}
}

func TestInitiateSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("intro subscription creates pending payment and ledger row", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "+254700000001", "")
		require.NoError(t, err)
		assert.Equal(t, int64(500), res.Amount)
		assert.Equal(t, "KES", res.Currency)
		assert.NotEmpty(t, res.PaymentIntentID)

		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPendingPayment, sub.Status)
		assert.Equal(t, subscription.TierFree, sub.PlanTier, "target tier applies only on confirmation")
		require.NotNil(t, sub.PendingChange)
		assert.Equal(t, subscription.ChangeInitial, sub.PendingChange.Kind)
		assert.Equal(t, subscription.TierPro, sub.PendingChange.TargetTier)
		assert.Equal(t, res.PaymentIntentID, sub.PendingChange.PaymentIntentID)

		rows := f.repo.HistoryBySubscription(sub.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(subscription.BillNumberBase+1), rows[0].BillNumber)
		assert.Equal(t, subscription.PaymentPending, rows[0].PaymentStatus)
		assert.Equal(t, "#400000001", subscription.FormatBillNumber(rows[0].BillNumber))

		assert.Len(t, f.sink.ofType(subscription.EventPaymentInitiated), 1)
	})

	t.Run("intro pricing rejected when already used", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierFree, 0)

		_, err := f.svc.InitiateSubscription(ctx, sub.UserID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeIntroAlreadyUsed, subscription.CodeOf(err))
		assert.Equal(t, subscription.KindValidation, subscription.KindOf(err))
	})

	t.Run("second initiation conflicts while payment pending", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		_, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)

		_, err = f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodePendingPaymentExists, subscription.CodeOf(err))
		assert.Equal(t, subscription.KindConflict, subscription.KindOf(err))
	})

	t.Run("free tier cannot be purchased", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.svc.InitiateSubscription(ctx, uuid.New(), subscription.TierFree, subscription.CycleMonthly, subscription.PricingRegular, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeInvalidTier, subscription.CodeOf(err))
	})

	t.Run("active paid subscription cannot re-initiate", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 20*24*time.Hour)

		_, err := f.svc.InitiateSubscription(ctx, sub.UserID, subscription.TierEnterprise, subscription.CycleMonthly, subscription.PricingRegular, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeAlreadyActive, subscription.CodeOf(err))
	})

	t.Run("idempotency key replays the original answer", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		first, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "idem-1")
		require.NoError(t, err)

		second, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "idem-1")
		require.NoError(t, err)

		assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
		assert.Equal(t, first.Amount, second.Amount)
		assert.Equal(t, 1, f.gateway.calls(), "replay must not hit the gateway")
	})
}

func TestInitiateRenewal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejected outside the renewal window", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 10*24*time.Hour)

		_, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeRenewalOutsideWindow, subscription.CodeOf(err))
	})

	t.Run("allowed inside the window at regular price", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1500), res.Amount)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPendingPayment, got.Status)
		assert.Equal(t, subscription.ChangeRenewal, got.PendingChange.Kind)
	})

	t.Run("early renewal stacks onto the current cycle", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)
		oldExpiry := *sub.ExpiresAt

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		require.NotNil(t, activated.ExpiresAt)
		assert.Equal(t, oldExpiry.Add(30*24*time.Hour), *activated.ExpiresAt, "no paid days may be lost")

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Nil(t, got.PendingChange)
	})

	t.Run("renewal during grace period restores active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 1*time.Hour)

		f.clock.Advance(2 * time.Hour)
		n, err := f.svc.SweepExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		res, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.NoError(t, err)

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.Equal(t, subscription.StatusActive, activated.Status)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Nil(t, got.GracePeriodEndsAt)
	})

	t.Run("free subscription has nothing to renew", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()
		_, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)
		require.NoError(t, f.svc.Cancel(ctx, userID, "changed my mind"))

		_, err = f.svc.InitiateRenewal(ctx, userID, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeInvalidState, subscription.CodeOf(err))
	})
}

func TestInitiateUpgrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects a non-upgrade target", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		_, err := f.svc.InitiateUpgrade(ctx, sub.UserID, subscription.TierBeginning, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeNotAnUpgrade, subscription.CodeOf(err))
	})

	t.Run("rejected mid-cycle", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 20*24*time.Hour)

		_, err := f.svc.InitiateUpgrade(ctx, sub.UserID, subscription.TierEnterprise, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeUpgradeOutsideWindow, subscription.CodeOf(err))
	})

	t.Run("successful upgrade applies the new tier and emits plan change", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		res, err := f.svc.InitiateUpgrade(ctx, sub.UserID, subscription.TierEnterprise, "", "")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), res.Amount, "upgrades charge the full regular price")

		activated := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentSuccess, res.Amount)
		assert.Equal(t, subscription.TierEnterprise, activated.PlanTier)
		assert.True(t, activated.TierChanged)

		assert.Len(t, f.sink.ofType(subscription.EventPlanChangeApplied), 1)
		assert.Empty(t, f.sink.ofType(subscription.EventSubscriptionActivated))
	})

	t.Run("failed upgrade reverts to the prior plan", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)
		oldExpiry := *sub.ExpiresAt

		res, err := f.svc.InitiateUpgrade(ctx, sub.UserID, subscription.TierEnterprise, "", "")
		require.NoError(t, err)

		failed := f.resolve(t, sub, res.PaymentIntentID, subscription.IntentFailed, res.Amount)
		assert.Equal(t, subscription.StatusActive, failed.Status)
		assert.Equal(t, subscription.TierPro, failed.PlanTier)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, oldExpiry, *got.ExpiresAt)
		assert.Nil(t, got.PendingChange)
	})
}

func TestRetryPendingPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("forms a fresh intent and voids the old one", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		first, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)

		second, err := f.svc.RetryPendingPayment(ctx, userID, "", "")
		require.NoError(t, err)
		assert.NotEqual(t, first.PaymentIntentID, second.PaymentIntentID)
		assert.Equal(t, first.Amount, second.Amount)

		f.gateway.mu.Lock()
		voided := append([]string(nil), f.gateway.voided...)
		f.gateway.mu.Unlock()
		assert.Contains(t, voided, first.PaymentIntentID)

		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, second.PaymentIntentID, sub.PendingChange.PaymentIntentID)
	})

	t.Run("rejected without a pending payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 10*24*time.Hour)

		_, err := f.svc.RetryPendingPayment(ctx, sub.UserID, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeNoPendingPayment, subscription.CodeOf(err))
	})
}

func TestScheduleDowngrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("defers until cycle end and the sweep applies it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierEnterprise, 10*24*time.Hour)

		require.NoError(t, f.svc.ScheduleDowngrade(ctx, sub.UserID, subscription.TierPro, nil))

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.TierEnterprise, got.PlanTier, "tier unchanged until effective date")
		assert.True(t, got.HasScheduledDowngrade())

		// Before the effective date nothing applies.
		n, err := f.svc.SweepPendingChanges(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		f.clock.Advance(11 * 24 * time.Hour)
		n, err = f.svc.SweepPendingChanges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err = f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.TierPro, got.PlanTier)
		assert.Nil(t, got.PendingChange)
		assert.Len(t, f.sink.ofType(subscription.EventPlanChangeApplied), 1)
	})

	t.Run("double scheduling conflicts", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierEnterprise, 10*24*time.Hour)

		require.NoError(t, f.svc.ScheduleDowngrade(ctx, sub.UserID, subscription.TierPro, nil))
		err := f.svc.ScheduleDowngrade(ctx, sub.UserID, subscription.TierBeginning, nil)
		require.Error(t, err)
		assert.Equal(t, subscription.CodeDowngradeAlreadyScheduled, subscription.CodeOf(err))
	})

	t.Run("renewal and upgrade conflict while a downgrade is scheduled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 3*24*time.Hour)

		require.NoError(t, f.svc.ScheduleDowngrade(ctx, sub.UserID, subscription.TierBeginning, nil))

		_, err := f.svc.InitiateRenewal(ctx, sub.UserID, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeDowngradeAlreadyScheduled, subscription.CodeOf(err))
		assert.Equal(t, subscription.KindConflict, subscription.KindOf(err))

		_, err = f.svc.InitiateUpgrade(ctx, sub.UserID, subscription.TierEnterprise, "", "")
		require.Error(t, err)
		assert.Equal(t, subscription.CodeDowngradeAlreadyScheduled, subscription.CodeOf(err))

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.True(t, got.HasScheduledDowngrade(), "the scheduled downgrade must survive")
		assert.Equal(t, subscription.TierBeginning, got.PendingChange.TargetTier)
		assert.Zero(t, f.gateway.calls())
	})

	t.Run("downgrading to free is not a thing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 10*24*time.Hour)

		err := f.svc.ScheduleDowngrade(ctx, sub.UserID, subscription.TierFree, nil)
		require.Error(t, err)
		assert.Equal(t, subscription.CodeNotADowngrade, subscription.CodeOf(err))
	})
}

func TestCancelAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cancel honors the paid period and resume restores it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 10*24*time.Hour)
		expiry := *sub.ExpiresAt

		require.NoError(t, f.svc.Cancel(ctx, sub.UserID, "too expensive"))

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCancelled, got.Status)
		assert.Equal(t, subscription.TierPro, got.PlanTier)
		assert.Equal(t, expiry, *got.ExpiresAt)

		require.NoError(t, f.svc.Resume(ctx, sub.UserID))
		got, err = f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Nil(t, got.CancelledAt)
	})

	t.Run("resume rejected after the paid period lapsed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 24*time.Hour)

		require.NoError(t, f.svc.Cancel(ctx, sub.UserID, ""))
		f.clock.Advance(48 * time.Hour)

		err := f.svc.Resume(ctx, sub.UserID)
		require.Error(t, err)
		assert.Equal(t, subscription.CodeSubscriptionExpired, subscription.CodeOf(err))
	})

	t.Run("cancelling a pending payment reverts and voids the intent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		res, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
		require.NoError(t, err)

		require.NoError(t, f.svc.Cancel(ctx, userID, ""))

		got, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Equal(t, subscription.TierFree, got.PlanTier)
		assert.Nil(t, got.PendingChange)

		f.gateway.mu.Lock()
		voided := append([]string(nil), f.gateway.voided...)
		f.gateway.mu.Unlock()
		assert.Contains(t, voided, res.PaymentIntentID)

		rows := f.repo.HistoryBySubscription(got.ID)
		require.Len(t, rows, 1)
		assert.Equal(t, subscription.PaymentUnpaid, rows[0].PaymentStatus)
	})
}

func TestSuspendAndReactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("billing clock keeps running while suspended", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 24*time.Hour)

		require.NoError(t, f.svc.Suspend(ctx, sub.UserID, "chargeback fraud"))
		f.clock.Advance(48 * time.Hour)
		require.NoError(t, f.svc.Reactivate(ctx, sub.UserID))

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusRestricted, got.Status, "paid period lapsed during suspension")
	})

	t.Run("reactivation within the paid period restores active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 10*24*time.Hour)

		require.NoError(t, f.svc.Suspend(ctx, sub.UserID, ""))
		require.NoError(t, f.svc.Reactivate(ctx, sub.UserID))

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})
}

func TestLifecycleSweeps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expiry starts grace anchored at expires_at", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 1*time.Hour)
		expiry := *sub.ExpiresAt

		f.clock.Advance(26 * time.Hour) // sweep runs a day late
		n, err := f.svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusGracePeriod, got.Status)
		assert.Equal(t, expiry.Add(72*time.Hour), *got.GracePeriodEndsAt, "grace anchors at expiry, not sweep time")

		// Rerun is a no-op.
		n, err = f.svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("lapsed grace restricts without touching the tier", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 1*time.Hour)

		f.clock.Advance(2 * time.Hour)
		_, err := f.svc.SweepExpired(ctx)
		require.NoError(t, err)

		f.clock.Advance(73 * time.Hour)
		n, err := f.svc.SweepGraceExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusRestricted, got.Status)
		assert.Equal(t, subscription.TierPro, got.PlanTier)
	})

	t.Run("ninety-one days restricted lands on the free tier", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.seedActive(t, subscription.TierPro, 1*time.Hour)

		f.clock.Advance(2 * time.Hour)
		_, err := f.svc.SweepExpired(ctx)
		require.NoError(t, err)
		f.clock.Advance(73 * time.Hour)
		_, err = f.svc.SweepGraceExpired(ctx)
		require.NoError(t, err)

		// 90 days have not elapsed yet.
		f.clock.Advance(89 * 24 * time.Hour)
		n, err := f.svc.SweepDelinquent(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		f.clock.Advance(2 * 24 * time.Hour)
		n, err = f.svc.SweepDelinquent(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := f.repo.GetByUserID(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Equal(t, subscription.TierFree, got.PlanTier)
		assert.Nil(t, got.ExpiresAt)
		assert.Len(t, f.sink.ofType(subscription.EventDelinquencyDowngraded), 1)
	})

	t.Run("renewal reminders fire once per bucket", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.seedActive(t, subscription.TierPro, 5*24*time.Hour)

		n, err := f.svc.SweepRenewalReminders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.svc.SweepRenewalReminders(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "same bucket must not fire twice")

		f.clock.Advance(2 * 24 * time.Hour) // now 3 days out
		n, err = f.svc.SweepRenewalReminders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.Len(t, f.sink.ofType(subscription.EventRenewalReminder), 2)
	})
}

// denyAllLimiter always reports an exhausted bucket.
type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, op, identifier string) (*ratelimiter.Result, error) {
	return &ratelimiter.Result{Limit: 1, Remaining: -1, ResetAt: time.Now().Add(time.Minute)}, nil
}

func (l denyAllLimiter) AllowN(ctx context.Context, op, identifier string, n int) (*ratelimiter.Result, error) {
	return l.Allow(ctx, op, identifier)
}

func TestInitiationRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, subscription.WithRateLimiter(denyAllLimiter{}))

	_, err := f.svc.InitiateSubscription(context.Background(), uuid.New(), subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
	require.Error(t, err)
	assert.Equal(t, subscription.CodeRateLimited, subscription.CodeOf(err))
	assert.Equal(t, subscription.KindTransient, subscription.KindOf(err))
	assert.Zero(t, f.gateway.calls())
}

func TestConcurrentInitiationsUniqueBillNumbers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	const users = 20

	userIDs := make([]uuid.UUID, users)
	for i := range userIDs {
		userIDs[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.InitiateSubscription(ctx, userID, subscription.TierPro, subscription.CycleMonthly, subscription.PricingIntro, "", "")
			assert.NoError(t, err)
		}(userID)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, userID := range userIDs {
		sub, err := f.repo.GetByUserID(ctx, userID)
		require.NoError(t, err)
		rows := f.repo.HistoryBySubscription(sub.ID)
		require.Len(t, rows, 1)
		assert.Greater(t, rows[0].BillNumber, int64(subscription.BillNumberBase))
		assert.False(t, seen[rows[0].BillNumber], "bill number %d allocated twice", rows[0].BillNumber)
		seen[rows[0].BillNumber] = true
	}
	assert.Len(t, seen, users)
}
