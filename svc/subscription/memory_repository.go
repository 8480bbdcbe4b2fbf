package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests and local
// development. One mutex is held for the whole Atomic callback, so
// transactions serialize completely; rollback is implemented by
// snapshotting the row and truncating staged appends.
type MemoryRepository struct {
	mu sync.Mutex

	subs   map[uuid.UUID]*Subscription
	byUser map[uuid.UUID]uuid.UUID

	history     []*History
	billNumbers map[int64]bool

	payments map[string]*PaymentRecord
	idem     map[string]*IdempotencyRecord
	eventLog []*EventLogEntry
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subs:        make(map[uuid.UUID]*Subscription),
		byUser:      make(map[uuid.UUID]uuid.UUID),
		billNumbers: make(map[int64]bool),
		payments:    make(map[string]*PaymentRecord),
		idem:        make(map[string]*IdempotencyRecord),
	}
}

func (m *MemoryRepository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUser[sub.UserID]; exists {
		return ErrAlreadyExists
	}
	clone := cloneSubscription(sub)
	m.subs[clone.ID] = clone
	m.byUser[clone.UserID] = clone.ID
	return nil
}

func (m *MemoryRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(m.subs[id]), nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (m *MemoryRepository) Atomic(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	return m.runTx(ctx, stored, fn)
}

func (m *MemoryRepository) AtomicByUser(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return ErrNotFound
	}
	return m.runTx(ctx, m.subs[id], fn)
}

// runTx gives fn a working copy plus a staging store, committing both
// only when fn succeeds. Caller holds m.mu.
func (m *MemoryRepository) runTx(ctx context.Context, stored *Subscription, fn func(ctx context.Context, sub *Subscription, store TxStore) error) error {
	working := cloneSubscription(stored)
	tx := &memTx{repo: m, historyLen: len(m.history), eventLen: len(m.eventLog)}

	if err := fn(ctx, working, tx); err != nil {
		tx.rollback()
		return err
	}

	if tx.saved != nil {
		m.subs[tx.saved.ID] = cloneSubscription(tx.saved)
	}
	for _, rec := range tx.payments {
		m.payments[rec.PaymentIntentID] = rec
	}
	return nil
}

// memTx stages writes against the repository. History and event-log
// appends go straight into the backing slices (the repo mutex is held)
// and are truncated on rollback; the subscription row and payment
// records apply only at commit.
type memTx struct {
	repo       *MemoryRepository
	saved      *Subscription
	payments   []*PaymentRecord
	historyLen int
	eventLen   int
	billsAdded []int64
	settled    []settledHistory
}

type settledHistory struct {
	index  int
	status PaymentStatus
	notes  string
	at     time.Time
}

func (tx *memTx) rollback() {
	m := tx.repo
	for _, n := range tx.billsAdded {
		delete(m.billNumbers, n)
	}
	m.history = m.history[:tx.historyLen]
	m.eventLog = m.eventLog[:tx.eventLen]
	for _, s := range tx.settled {
		// staged settle of a pre-existing row: restore is not needed for
		// rows appended in this tx (already truncated); pre-existing rows
		// were mutated in place, undo them.
		if s.index < tx.historyLen {
			row := m.history[s.index]
			row.PaymentStatus = s.status
			row.Notes = s.notes
			row.UpdatedAt = s.at
		}
	}
}

func (tx *memTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	tx.saved = cloneSubscription(sub)
	return nil
}

func (tx *memTx) GetPaymentRecord(ctx context.Context, paymentIntentID string) (*PaymentRecord, error) {
	rec, ok := tx.repo.payments[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (tx *memTx) CreatePaymentRecord(ctx context.Context, rec *PaymentRecord) error {
	if _, exists := tx.repo.payments[rec.PaymentIntentID]; exists {
		return ErrAlreadyExists
	}
	clone := *rec
	tx.payments = append(tx.payments, &clone)
	return nil
}

func (tx *memTx) MaxBillNumber(ctx context.Context) (int64, error) {
	var maxN int64
	for n := range tx.repo.billNumbers {
		if n > maxN {
			maxN = n
		}
	}
	return maxN, nil
}

func (tx *memTx) InsertHistory(ctx context.Context, row *History) error {
	if tx.repo.billNumbers[row.BillNumber] {
		return ErrDuplicateBillNumber
	}
	clone := *row
	tx.repo.billNumbers[row.BillNumber] = true
	tx.billsAdded = append(tx.billsAdded, row.BillNumber)
	tx.repo.history = append(tx.repo.history, &clone)
	return nil
}

func (tx *memTx) UpdateHistoryByIntent(ctx context.Context, paymentIntentID string, status PaymentStatus, notes string) error {
	for i := len(tx.repo.history) - 1; i >= 0; i-- {
		row := tx.repo.history[i]
		if row.PaymentIntentID != paymentIntentID || row.PaymentStatus != PaymentPending {
			continue
		}
		tx.settled = append(tx.settled, settledHistory{
			index: i, status: row.PaymentStatus, notes: row.Notes, at: row.UpdatedAt,
		})
		row.PaymentStatus = status
		row.Notes = notes
		row.UpdatedAt = time.Now()
		return nil
	}
	return ErrHistoryNotFound
}

func (tx *memTx) AppendEventLog(ctx context.Context, entry *EventLogEntry) error {
	clone := *entry
	tx.repo.eventLog = append(tx.repo.eventLog, &clone)
	return nil
}

func (m *MemoryRepository) GetIdempotencyRecord(ctx context.Context, userID uuid.UUID, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[idemKey(userID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryRepository) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey(rec.UserID, rec.Key)
	if _, exists := m.idem[k]; exists {
		return nil // first writer wins
	}
	clone := *rec
	m.idem[k] = &clone
	return nil
}

func idemKey(userID uuid.UUID, key string) string {
	return userID.String() + "/" + key
}

func (m *MemoryRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return m.selectIDs(limit, func(s *Subscription) bool {
		return s.Status == StatusActive && s.PlanTier.IsPaid() &&
			s.ExpiresAt != nil && !s.ExpiresAt.After(now)
	})
}

func (m *MemoryRepository) DueForGraceExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return m.selectIDs(limit, func(s *Subscription) bool {
		return s.Status == StatusGracePeriod &&
			s.GracePeriodEndsAt != nil && !s.GracePeriodEndsAt.After(now)
	})
}

func (m *MemoryRepository) DueForDelinquency(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	return m.selectIDs(limit, func(s *Subscription) bool {
		return s.Status == StatusRestricted &&
			s.RestrictedAt != nil && !s.RestrictedAt.After(before)
	})
}

func (m *MemoryRepository) DueForPendingChange(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return m.selectIDs(limit, func(s *Subscription) bool {
		return s.PendingChange != nil && s.PendingChange.Kind == ChangeDowngrade &&
			s.PendingChange.EffectiveAt != nil && !s.PendingChange.EffectiveAt.After(now)
	})
}

func (m *MemoryRepository) ExpiringWithin(ctx context.Context, now time.Time, d time.Duration, limit int) ([]uuid.UUID, error) {
	deadline := now.Add(d)
	return m.selectIDs(limit, func(s *Subscription) bool {
		return s.Status == StatusActive && s.PlanTier.IsPaid() &&
			s.ExpiresAt != nil && s.ExpiresAt.After(now) && !s.ExpiresAt.After(deadline)
	})
}

func (m *MemoryRepository) ReminderSent(ctx context.Context, subID uuid.UUID, daysLeft int, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.eventLog {
		if entry.SubscriptionID != subID || entry.Type != EventRenewalReminder {
			continue
		}
		if entry.CreatedAt.Before(since) {
			continue
		}
		if days, ok := entry.Payload["days_left"].(int); ok && days == daysLeft {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) selectIDs(limit int, match func(*Subscription) bool) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for _, sub := range m.subs {
		if match(sub) {
			ids = append(ids, sub.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// HistoryBySubscription returns ledger rows for a subscription in
// insertion order. Test helper.
func (m *MemoryRepository) HistoryBySubscription(subID uuid.UUID) []History {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []History
	for _, row := range m.history {
		if row.SubscriptionID == subID {
			out = append(out, *row)
		}
	}
	return out
}

// EventLogBySubscription returns audit rows for a subscription in
// insertion order. Test helper.
func (m *MemoryRepository) EventLogBySubscription(subID uuid.UUID) []EventLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EventLogEntry
	for _, entry := range m.eventLog {
		if entry.SubscriptionID == subID {
			out = append(out, *entry)
		}
	}
	return out
}

func cloneSubscription(s *Subscription) *Subscription {
	clone := *s
	clone.CurrentCycleStartedAt = cloneTime(s.CurrentCycleStartedAt)
	clone.CurrentCycleEndsAt = cloneTime(s.CurrentCycleEndsAt)
	clone.ExpiresAt = cloneTime(s.ExpiresAt)
	clone.GracePeriodEndsAt = cloneTime(s.GracePeriodEndsAt)
	clone.RestrictedAt = cloneTime(s.RestrictedAt)
	clone.CancelledAt = cloneTime(s.CancelledAt)
	if s.PendingChange != nil {
		pc := *s.PendingChange
		pc.PriorExpiresAt = cloneTime(s.PendingChange.PriorExpiresAt)
		pc.EffectiveAt = cloneTime(s.PendingChange.EffectiveAt)
		clone.PendingChange = &pc
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
