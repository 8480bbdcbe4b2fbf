// Package subscription implements the billing lifecycle of one
// subscription per user: plan catalog, pricing quotes, the status state
// machine, payment-intent initiation, webhook-driven activation, the
// append-only billing ledger with human-readable bill numbers, and the
// scheduled sweeps (expiry, grace, delinquency, deferred downgrades,
// renewal reminders).
//
// All writes to a subscription go through Repository.Atomic, which
// holds an exclusive row lock for the duration of the mutation. The
// webhook pipeline is idempotent: the existence of a PaymentRecord,
// checked inside that lock, decides whether a delivery is processed or
// replayed. Transitions return the lifecycle events they produce, and
// the Dispatcher delivers them to subscribers only after the
// transaction commits.
package subscription
