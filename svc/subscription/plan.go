package subscription

import (
	"context"
	"fmt"
	"time"
)

// Tier identifies a plan in the catalog. Tiers are ordered: upgrades
// move to a higher tier, downgrades to a lower paid tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierBeginning  Tier = "beginning"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// tierRank orders tiers for upgrade/downgrade checks.
var tierRank = map[Tier]int{
	TierFree:       0,
	TierBeginning:  1,
	TierPro:        2,
	TierEnterprise: 3,
}

// Valid reports whether the tier exists in the catalog ordering.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// IsPaid reports whether the tier carries a price.
func (t Tier) IsPaid() bool {
	return t.Valid() && t != TierFree
}

// IsUpgradeFrom reports whether moving from to t is an upgrade.
func (t Tier) IsUpgradeFrom(from Tier) bool {
	return t.Valid() && from.Valid() && tierRank[t] > tierRank[from]
}

// IsDowngradeFrom reports whether moving from to t is a downgrade.
func (t Tier) IsDowngradeFrom(from Tier) bool {
	return t.Valid() && from.Valid() && tierRank[t] < tierRank[from]
}

// BillingCycle is the chosen recurrence unit determining cycle length.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// PricingMode selects introductory or regular pricing. It is always
// explicit in requests, never inferred.
type PricingMode string

const (
	PricingIntro   PricingMode = "intro"
	PricingRegular PricingMode = "regular"
)

func (m PricingMode) Valid() bool {
	return m == PricingIntro || m == PricingRegular
}

// BillingPhase is whether the current/next charge uses introductory or
// regular pricing.
type BillingPhase string

const (
	PhaseIntro   BillingPhase = "intro"
	PhaseRegular BillingPhase = "regular"
)

// Cycle lengths in days. Intro duration is plan-defined.
const (
	regularMonthlyDays = 30
	regularYearlyDays  = 365

	// DefaultIntroDurationDays applies when a plan does not set its own.
	DefaultIntroDurationDays = 28
)

// Plan is an immutable-per-version catalog entry. Prices are minor
// currency units.
type Plan struct {
	Tier              Tier
	IntroPrice        int64
	IntroDurationDays int
	IntroCycles       int
	PriceMonthly      int64
	PriceYearly       int64
	Currency          string
	Active            bool
}

// Validate checks catalog invariants: the free tier is always zero-priced
// and paid tiers carry positive regular prices.
func (p Plan) Validate() error {
	if !p.Tier.Valid() {
		return fmt.Errorf("plan %q: unknown tier", p.Tier)
	}
	if p.Tier == TierFree {
		if p.IntroPrice != 0 || p.PriceMonthly != 0 || p.PriceYearly != 0 {
			return fmt.Errorf("plan %q: free tier must be zero-priced", p.Tier)
		}
		return nil
	}
	if p.PriceMonthly <= 0 || p.PriceYearly <= 0 {
		return fmt.Errorf("plan %q: paid tier requires positive regular prices", p.Tier)
	}
	if p.IntroPrice < 0 {
		return fmt.Errorf("plan %q: negative intro price", p.Tier)
	}
	return nil
}

// IntroDuration returns the intro cycle length.
func (p Plan) IntroDuration() time.Duration {
	days := p.IntroDurationDays
	if days <= 0 {
		days = DefaultIntroDurationDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// PlanSource loads the plan catalog keyed by tier.
type PlanSource interface {
	Load(ctx context.Context) (map[Tier]Plan, error)
}

type inMemSource struct {
	plans map[Tier]Plan
}

// NewInMemSource returns an in-memory PlanSource with a copy of the
// given plans. Panics if no plans are provided or a plan violates the
// catalog invariants, so a broken catalog is caught at composition time.
func NewInMemSource(plans ...Plan) PlanSource {
	if len(plans) < 1 {
		panic("subscription: at least one plan is required")
	}
	byTier := make(map[Tier]Plan, len(plans))
	for _, plan := range plans {
		if err := plan.Validate(); err != nil {
			panic("subscription: " + err.Error())
		}
		if plan.IntroDurationDays <= 0 {
			plan.IntroDurationDays = DefaultIntroDurationDays
		}
		if plan.IntroCycles <= 0 {
			plan.IntroCycles = 1
		}
		byTier[plan.Tier] = plan
	}

	return &inMemSource{plans: byTier}
}

// Load returns a copy of all plans so callers cannot mutate the source.
func (s *inMemSource) Load(ctx context.Context) (map[Tier]Plan, error) {
	out := make(map[Tier]Plan, len(s.plans))
	for tier, plan := range s.plans {
		out[tier] = plan
	}
	return out, nil
}
