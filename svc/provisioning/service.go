package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/billing/pkg/backoff"
	"github.com/pesaflow/billing/pkg/queue"
	"github.com/pesaflow/billing/svc/subscription"
)

// EnsureSubscriptionTask is the queue payload for a deferred
// provisioning attempt. The task name is derived from this type.
type EnsureSubscriptionTask struct {
	UserID uuid.UUID `json:"user_id"`
}

// SubscriptionCreator is the narrow slice of the subscription store the
// provisioner needs.
type SubscriptionCreator interface {
	CreateSubscription(ctx context.Context, sub *subscription.Subscription) error
}

const (
	// syncAttempts is how many times EnsureSubscription tries inline
	// before deferring to the queue.
	syncAttempts = 3

	// queueMaxRetries is the retry budget of the deferred task before it
	// lands in the dead letter queue.
	queueMaxRetries = 5

	dlqBatchSize = 100
)

// Service guarantees every registered user ends up with a free
// subscription row. Registration must never fail because billing
// storage hiccuped: the inline attempt retries briefly, then defers to
// the task queue, and tasks that exhaust their retries wait in the dead
// letter queue for the reprocessing sweep.
type Service struct {
	creator  SubscriptionCreator
	enqueuer *queue.Enqueuer
	dlq      queue.DLQRepository
	logger   *slog.Logger
	now      func() time.Time
	retry    backoff.Strategy
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		s.logger = log
	}
}

// WithRetryBackoff overrides the delay between inline attempts.
func WithRetryBackoff(strategy backoff.Strategy) Option {
	return func(s *Service) {
		s.retry = strategy
	}
}

// withSleep replaces the inter-attempt wait. Test hook.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// NewService creates the provisioning service.
func NewService(creator SubscriptionCreator, enqueuer *queue.Enqueuer, dlq queue.DLQRepository, opts ...Option) (*Service, error) {
	if creator == nil {
		return nil, errors.New("provisioning: subscription creator is required")
	}
	if enqueuer == nil {
		return nil, errors.New("provisioning: enqueuer is required")
	}
	if dlq == nil {
		return nil, errors.New("provisioning: dlq repository is required")
	}

	s := &Service{
		creator:  creator,
		enqueuer: enqueuer,
		dlq:      dlq,
		logger:   slog.Default(),
		now:      time.Now,
		retry:    backoff.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "provisioning.service"))
	return s, nil
}

// EnsureSubscription creates the user's free subscription, retrying
// inline and deferring to the queue when storage stays unavailable. A
// subscription that already exists counts as success. The returned
// error is nil whenever the guarantee is still on track — including the
// deferred path.
func (s *Service) EnsureSubscription(ctx context.Context, userID uuid.UUID) error {
	var lastErr error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		lastErr = s.createFree(ctx, userID)
		if lastErr == nil {
			return nil
		}
		if attempt < syncAttempts {
			if err := s.sleep(ctx, s.retry.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	s.logger.WarnContext(ctx, "inline provisioning failed, deferring to queue",
		slog.String("user_id", userID.String()),
		slog.Any("error", lastErr))

	err := s.enqueuer.Enqueue(ctx, EnsureSubscriptionTask{UserID: userID},
		queue.WithMaxRetries(queueMaxRetries))
	if err != nil {
		// Both the inline path and the queue are down. This is the one
		// case a human must look at immediately.
		s.logger.ErrorContext(ctx, "CRITICAL: provisioning could not be deferred; user has no subscription",
			slog.String("user_id", userID.String()),
			slog.Any("enqueue_error", err),
			slog.Any("create_error", lastErr))
		return fmt.Errorf("defer provisioning for user %s: %w", userID, err)
	}
	return nil
}

// Handler returns the queue handler processing deferred attempts.
func (s *Service) Handler() queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, task EnsureSubscriptionTask) error {
		return s.createFree(ctx, task.UserID)
	})
}

// taskName matches the name the enqueuer derives from the payload type.
var taskName = queue.NewTaskHandler(func(ctx context.Context, task EnsureSubscriptionTask) error {
	return nil
}).Name()

// ReprocessDeadLetters re-attempts buried provisioning tasks and marks
// recovered entries processed. Entries belonging to other task types
// are left alone.
func (s *Service) ReprocessDeadLetters(ctx context.Context) (int, error) {
	entries, err := s.dlq.ListUnprocessed(ctx, dlqBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if entry.TaskName != taskName {
			continue
		}

		var task EnsureSubscriptionTask
		if err := json.Unmarshal(entry.Payload, &task); err != nil {
			s.logger.ErrorContext(ctx, "undecodable dead letter entry",
				slog.String("entry_id", entry.ID.String()),
				slog.Any("error", err))
			continue
		}

		if err := s.createFree(ctx, task.UserID); err != nil {
			s.logger.WarnContext(ctx, "dead letter reprocessing still failing",
				slog.String("entry_id", entry.ID.String()),
				slog.String("user_id", task.UserID.String()),
				slog.Any("error", err))
			continue
		}

		if err := s.dlq.MarkProcessed(ctx, entry.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark dead letter processed",
				slog.String("entry_id", entry.ID.String()),
				slog.Any("error", err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// createFree inserts the free subscription row; an existing row is
// success, keeping every path idempotent.
func (s *Service) createFree(ctx context.Context, userID uuid.UUID) error {
	now := s.now()
	err := s.creator.CreateSubscription(ctx, &subscription.Subscription{
		ID:           uuid.New(),
		UserID:       userID,
		PlanTier:     subscription.TierFree,
		Status:       subscription.StatusActive,
		BillingCycle: subscription.CycleMonthly,
		BillingPhase: subscription.PhaseRegular,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, subscription.ErrAlreadyExists) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
