package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/billing/pkg/backoff"
)

// PaymentStatus is the settlement state of one history row.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
)

// BillNumberBase is the floor of the human-readable bill sequence: the
// first bill ever issued is #400000001.
const BillNumberBase = 400000000

// History is one append-only billing ledger row. It is created when an
// intent is formed and later updated (never duplicated) to paid or
// unpaid when the gateway resolves the intent.
type History struct {
	ID              uuid.UUID
	SubscriptionID  uuid.UUID
	BillNumber      int64
	Action          ChangeKind
	PaymentStatus   PaymentStatus
	Amount          int64
	Currency        string
	FromTier        Tier
	ToTier          Tier
	PaymentIntentID string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FormatBillNumber renders the customer-facing bill reference.
func FormatBillNumber(n int64) string {
	return fmt.Sprintf("#%d", n)
}

// billNumberAttempts bounds the retry loop under concurrent writers.
const billNumberAttempts = 5

// insertHistoryWithBillNumber allocates the next bill number and
// inserts the row: read the current max under the transaction, attempt
// max+1, and on a unique-constraint collision retry with a fresh max
// under jittered backoff. Numbers are strictly increasing and never
// reused; gaps are acceptable, duplicates are not.
func insertHistoryWithBillNumber(ctx context.Context, store TxStore, row *History, retry backoff.Strategy) error {
	for attempt := 1; ; attempt++ {
		maxN, err := store.MaxBillNumber(ctx)
		if err != nil {
			return fmt.Errorf("read max bill number: %w", err)
		}
		if maxN < BillNumberBase {
			maxN = BillNumberBase
		}
		row.BillNumber = maxN + 1

		err = store.InsertHistory(ctx, row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateBillNumber) {
			return fmt.Errorf("insert history: %w", err)
		}
		if attempt >= billNumberAttempts {
			return fmt.Errorf("bill number allocation exhausted after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.Delay(attempt)):
		}
	}
}
