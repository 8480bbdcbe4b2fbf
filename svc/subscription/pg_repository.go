package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesaflow/billing/pkg/pg"
)

// PgRepository is the Postgres Repository. Atomic takes the row lock
// with SELECT ... FOR UPDATE NOWAIT: a held lock surfaces as
// ErrRowLocked instead of blocking, so sweeps skip contended rows and
// interactive callers retry with backoff.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository creates a Postgres-backed repository.
func NewPgRepository(pool *pgxpool.Pool) (*PgRepository, error) {
	if pool == nil {
		return nil, errors.New("subscription: pgx pool is required")
	}
	return &PgRepository{pool: pool}, nil
}

const subscriptionColumns = `id, user_id, plan_tier, status, billing_cycle, billing_phase,
	intro_cycles_remaining, intro_used,
	current_cycle_started_at, current_cycle_ends_at, expires_at,
	grace_period_ends_at, restricted_at, cancelled_at,
	pending_change, last_payment_intent_id, created_at, updated_at`

func (r *PgRepository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	pcRaw, err := marshalPendingChange(sub.PendingChange)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sub.ID, sub.UserID, sub.PlanTier, sub.Status, sub.BillingCycle, sub.BillingPhase,
		sub.IntroCyclesRemaining, sub.IntroUsed,
		sub.CurrentCycleStartedAt, sub.CurrentCycleEndsAt, sub.ExpiresAt,
		sub.GracePeriodEndsAt, sub.RestrictedAt, sub.CancelledAt,
		pcRaw, sub.LastPaymentIntentID, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (r *PgRepository) Atomic(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	return r.atomicWhere(ctx, `id = $1`, id, fn)
}

func (r *PgRepository) AtomicByUser(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	return r.atomicWhere(ctx, `user_id = $1`, userID, fn)
}

func (r *PgRepository) atomicWhere(ctx context.Context, where string, arg any, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	return pg.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` FOR UPDATE NOWAIT`, arg)
		sub, err := scanSubscription(row)
		if err != nil {
			if pg.IsLockNotAvailableError(err) {
				return ErrRowLocked
			}
			return err
		}
		return fn(ctx, sub, &pgTx{tx: tx})
	})
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub   Subscription
		pcRaw []byte
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanTier, &sub.Status, &sub.BillingCycle, &sub.BillingPhase,
		&sub.IntroCyclesRemaining, &sub.IntroUsed,
		&sub.CurrentCycleStartedAt, &sub.CurrentCycleEndsAt, &sub.ExpiresAt,
		&sub.GracePeriodEndsAt, &sub.RestrictedAt, &sub.CancelledAt,
		&pcRaw, &sub.LastPaymentIntentID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(pcRaw) > 0 {
		var pc PendingChange
		if err := json.Unmarshal(pcRaw, &pc); err != nil {
			return nil, fmt.Errorf("decode pending change: %w", err)
		}
		if pc.Version != pendingChangeVersion {
			return nil, fmt.Errorf("unsupported pending change version %d", pc.Version)
		}
		sub.PendingChange = &pc
	}
	return &sub, nil
}

func marshalPendingChange(pc *PendingChange) ([]byte, error) {
	if pc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("encode pending change: %w", err)
	}
	return raw, nil
}

// pgTx implements TxStore over an open transaction holding the row lock.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	pcRaw, err := marshalPendingChange(sub.PendingChange)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET
			plan_tier = $2, status = $3, billing_cycle = $4, billing_phase = $5,
			intro_cycles_remaining = $6, intro_used = $7,
			current_cycle_started_at = $8, current_cycle_ends_at = $9, expires_at = $10,
			grace_period_ends_at = $11, restricted_at = $12, cancelled_at = $13,
			pending_change = $14, last_payment_intent_id = $15, updated_at = $16
		WHERE id = $1`,
		sub.ID,
		sub.PlanTier, sub.Status, sub.BillingCycle, sub.BillingPhase,
		sub.IntroCyclesRemaining, sub.IntroUsed,
		sub.CurrentCycleStartedAt, sub.CurrentCycleEndsAt, sub.ExpiresAt,
		sub.GracePeriodEndsAt, sub.RestrictedAt, sub.CancelledAt,
		pcRaw, sub.LastPaymentIntentID, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetPaymentRecord(ctx context.Context, paymentIntentID string) (*PaymentRecord, error) {
	var rec PaymentRecord
	err := t.tx.QueryRow(ctx, `
		SELECT payment_intent_id, subscription_id, status, amount, currency, result, processed_at
		FROM payment_records WHERE payment_intent_id = $1`, paymentIntentID,
	).Scan(&rec.PaymentIntentID, &rec.SubscriptionID, &rec.Status, &rec.Amount, &rec.Currency, &rec.Result, &rec.ProcessedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment record: %w", err)
	}
	return &rec, nil
}

func (t *pgTx) CreatePaymentRecord(ctx context.Context, rec *PaymentRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_records (payment_intent_id, subscription_id, status, amount, currency, result, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.PaymentIntentID, rec.SubscriptionID, rec.Status, rec.Amount, rec.Currency, rec.Result, rec.ProcessedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

func (t *pgTx) MaxBillNumber(ctx context.Context) (int64, error) {
	var maxN int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(bill_number), 0) FROM subscription_history`,
	).Scan(&maxN)
	if err != nil {
		return 0, fmt.Errorf("max bill number: %w", err)
	}
	return maxN, nil
}

func (t *pgTx) InsertHistory(ctx context.Context, row *History) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscription_history (
			id, subscription_id, bill_number, action, payment_status,
			amount, currency, from_tier, to_tier, payment_intent_id, notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.SubscriptionID, row.BillNumber, row.Action, row.PaymentStatus,
		row.Amount, row.Currency, row.FromTier, row.ToTier, row.PaymentIntentID, row.Notes,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateBillNumber
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateHistoryByIntent(ctx context.Context, paymentIntentID string, status PaymentStatus, notes string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscription_history
		SET payment_status = $2, notes = $3, updated_at = now()
		WHERE payment_intent_id = $1 AND payment_status = 'pending'`,
		paymentIntentID, status, notes,
	)
	if err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHistoryNotFound
	}
	return nil
}

func (t *pgTx) AppendEventLog(ctx context.Context, entry *EventLogEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_log (id, subscription_id, user_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.SubscriptionID, entry.UserID, entry.Type, payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *PgRepository) GetIdempotencyRecord(ctx context.Context, userID uuid.UUID, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, key, payment_intent_id, amount, currency, instructions, created_at
		FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, key,
	).Scan(&rec.UserID, &rec.Key, &rec.PaymentIntentID, &rec.Amount, &rec.Currency, &rec.Instructions, &rec.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *PgRepository) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, payment_intent_id, amount, currency, instructions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, key) DO NOTHING`,
		rec.UserID, rec.Key, rec.PaymentIntentID, rec.Amount, rec.Currency, rec.Instructions, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

func (r *PgRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'active' AND plan_tier <> 'free'
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (r *PgRepository) DueForGraceExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'grace_period'
		  AND grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= $1
		ORDER BY grace_period_ends_at LIMIT $2`, now, limit)
}

func (r *PgRepository) DueForDelinquency(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'restricted'
		  AND restricted_at IS NOT NULL AND restricted_at <= $1
		ORDER BY restricted_at LIMIT $2`, before, limit)
}

func (r *PgRepository) DueForPendingChange(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM subscriptions
		WHERE pending_change->>'kind' = 'downgrade'
		  AND (pending_change->>'effective_at')::timestamptz <= $1
		ORDER BY (pending_change->>'effective_at')::timestamptz LIMIT $2`, now, limit)
}

func (r *PgRepository) ExpiringWithin(ctx context.Context, now time.Time, d time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM subscriptions
		WHERE status = 'active' AND plan_tier <> 'free'
		  AND expires_at IS NOT NULL AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at LIMIT $3`, now, now.Add(d), limit)
	if err != nil {
		return nil, fmt.Errorf("query expiring: %w", err)
	}
	return collectIDs(rows)
}

func (r *PgRepository) ReminderSent(ctx context.Context, subID uuid.UUID, daysLeft int, since time.Time) (bool, error) {
	var sent bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_log
			WHERE subscription_id = $1 AND type = 'renewal_reminder'
			  AND created_at >= $2 AND (payload->>'days_left')::int = $3
		)`, subID, since, daysLeft,
	).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("check reminder sent: %w", err)
	}
	return sent, nil
}

func (r *PgRepository) queryIDs(ctx context.Context, query string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
