// Package breaker implements a circuit breaker whose state lives in a
// pluggable StateStore, so that a fleet of processes agrees on the
// health of a shared dependency such as the payment gateway.
//
// The circuit moves CLOSED -> OPEN after a run of consecutive failures,
// OPEN -> HALF_OPEN once the recovery timeout elapses (admitting trial
// calls), and HALF_OPEN -> CLOSED after enough trial successes, or back
// to OPEN on a trial failure.
//
//	store := breaker.NewMemoryStore()
//	cb, _ := breaker.New("payment-gateway", store, breaker.Config{})
//
//	err := cb.Do(ctx, func(ctx context.Context) error {
//		return gateway.CreatePayment(ctx, req)
//	})
//	if breaker.IsOpen(err) {
//		// fail fast, the gateway is down
//	}
package breaker
