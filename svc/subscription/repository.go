package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PaymentRecord is the persisted terminal outcome of one payment
// intent. Its existence — checked inside the row lock — is the sole
// idempotence boundary of the webhook pipeline: a second delivery of
// the same intent finds the record and replays the stored result.
type PaymentRecord struct {
	PaymentIntentID string
	SubscriptionID  uuid.UUID
	Status          IntentStatus
	Amount          int64
	Currency        string
	// Result is the serialized ActivationResult returned to the first
	// delivery, replayed verbatim on duplicates.
	Result      []byte
	ProcessedAt time.Time
}

// EventLogEntry is one append-only audit row consumed by notification
// and analytics collaborators.
type EventLogEntry struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	Type           EventType
	Payload        map[string]any
	CreatedAt      time.Time
}

// IdempotencyRecord stores the original answer to a caller-supplied
// idempotency key so replays return it without re-executing.
type IdempotencyRecord struct {
	UserID          uuid.UUID
	Key             string
	PaymentIntentID string
	Amount          int64
	Currency        string
	Instructions    string
	CreatedAt       time.Time
}

// TxStore is the view of storage available inside one locked
// transaction. The subscription row passed to the Atomic callback is
// locked exclusively until the transaction ends, serializing concurrent
// initiate/activate/fail/cancel calls on the same subscription.
type TxStore interface {
	// SaveSubscription persists the mutated, locked row.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// GetPaymentRecord returns the record for an intent, or ErrNotFound.
	GetPaymentRecord(ctx context.Context, paymentIntentID string) (*PaymentRecord, error)

	// CreatePaymentRecord persists a terminal payment outcome.
	CreatePaymentRecord(ctx context.Context, rec *PaymentRecord) error

	// MaxBillNumber returns the highest allocated bill number, or 0.
	MaxBillNumber(ctx context.Context) (int64, error)

	// InsertHistory inserts a ledger row, returning
	// ErrDuplicateBillNumber on a bill number collision.
	InsertHistory(ctx context.Context, row *History) error

	// UpdateHistoryByIntent flips the ledger row referencing the intent
	// to its settled status. Returns ErrHistoryNotFound if absent.
	UpdateHistoryByIntent(ctx context.Context, paymentIntentID string, status PaymentStatus, notes string) error

	// AppendEventLog appends an audit row.
	AppendEventLog(ctx context.Context, entry *EventLogEntry) error
}

// Repository is the storage boundary of the subscription service.
type Repository interface {
	// CreateSubscription inserts the one-per-user row, returning
	// ErrAlreadyExists when the user already owns one.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetByUserID returns the user's subscription without locking.
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByID returns a subscription without locking.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// Atomic locks the subscription row exclusively, passes the fresh
	// row to fn together with a transactional store, and commits when
	// fn returns nil. Mutations performed by fn are atomic with the
	// lock: nothing is visible until commit, and concurrent writers on
	// the same subscription serialize.
	Atomic(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error

	// AtomicByUser is Atomic keyed by owner.
	AtomicByUser(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error

	// GetIdempotencyRecord returns the stored answer for (user, key),
	// or ErrNotFound. Checked before any lock is taken.
	GetIdempotencyRecord(ctx context.Context, userID uuid.UUID, key string) (*IdempotencyRecord, error)

	// PutIdempotencyRecord stores the answer for (user, key). Losing a
	// race to a concurrent writer is not an error.
	PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error

	// Sweep candidate queries. Implementations must skip rows locked by
	// concurrent writers rather than block (lock-and-skip).

	// DueForExpiry lists active paid subscriptions whose expiry passed.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// DueForGraceExpiry lists grace-period subscriptions past their
	// grace deadline.
	DueForGraceExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// DueForDelinquency lists restricted subscriptions restricted for
	// longer than the given period.
	DueForDelinquency(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)

	// DueForPendingChange lists subscriptions whose scheduled change
	// reached its effective date.
	DueForPendingChange(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// ExpiringWithin lists active paid subscriptions expiring within d.
	ExpiringWithin(ctx context.Context, now time.Time, d time.Duration, limit int) ([]uuid.UUID, error)

	// ReminderSent reports whether a renewal reminder for the given
	// days-left bucket was already logged since the cycle started.
	ReminderSent(ctx context.Context, subID uuid.UUID, daysLeft int, since time.Time) (bool, error)
}
