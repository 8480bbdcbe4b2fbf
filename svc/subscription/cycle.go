package subscription

import "time"

// Quote is the price and cycle length resolved for one charge.
type Quote struct {
	Amount   int64
	Currency string
	Days     int
	// Phase the subscription will be in while this cycle runs.
	Phase BillingPhase
}

// ResolveQuote is the billing-cycle calculator: pure decision logic, no
// side effects. The pricing mode is always explicit — callers asking
// for intro pricing they are not eligible for get INTRO_ALREADY_USED,
// never a silent fallback to regular.
func ResolveQuote(plan Plan, mode PricingMode, cycle BillingCycle, introUsed bool) (Quote, error) {
	if !mode.Valid() {
		return Quote{}, newValidationError(CodeInvalidPricingMode, "unknown pricing mode %q", mode)
	}
	if !cycle.Valid() {
		return Quote{}, newValidationError(CodeInvalidCycle, "unknown billing cycle %q", cycle)
	}

	if mode == PricingIntro {
		if introUsed {
			return Quote{}, newValidationError(CodeIntroAlreadyUsed, "introductory pricing was already used")
		}
		days := plan.IntroDurationDays
		if days <= 0 {
			days = DefaultIntroDurationDays
		}
		return Quote{
			Amount:   plan.IntroPrice,
			Currency: plan.Currency,
			Days:     days,
			Phase:    PhaseIntro,
		}, nil
	}

	switch cycle {
	case CycleYearly:
		return Quote{
			Amount:   plan.PriceYearly,
			Currency: plan.Currency,
			Days:     regularYearlyDays,
			Phase:    PhaseRegular,
		}, nil
	default:
		return Quote{
			Amount:   plan.PriceMonthly,
			Currency: plan.Currency,
			Days:     regularMonthlyDays,
			Phase:    PhaseRegular,
		}, nil
	}
}

// NextCycle computes the new cycle bounds for a confirmed payment.
// When the current cycle has not lapsed yet (early renewal inside the
// renewal window), the new cycle is anchored at the current expiry so
// no paid days are ever lost; otherwise it starts now.
func NextCycle(now time.Time, currentExpiresAt *time.Time, days int) (start, end time.Time) {
	start = now
	if currentExpiresAt != nil && currentExpiresAt.After(now) {
		start = *currentExpiresAt
	}
	end = start.Add(time.Duration(days) * 24 * time.Hour)
	return start, end
}

// consumeIntroCycle advances the intro accounting after a successful
// intro-phase payment: one cycle is consumed, and exhausting the last
// one flips the phase to regular for all subsequent cycles.
func consumeIntroCycle(remaining int) (newRemaining int, phase BillingPhase) {
	remaining--
	if remaining <= 0 {
		return 0, PhaseRegular
	}
	return remaining, PhaseIntro
}
