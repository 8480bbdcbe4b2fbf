package schedule_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/svc/schedule"
)

type stubSweeper struct {
	expired   atomic.Int32
	grace     atomic.Int32
	delinq    atomic.Int32
	pending   atomic.Int32
	reminders atomic.Int32
}

func (s *stubSweeper) SweepExpired(ctx context.Context) (int, error) {
	s.expired.Add(1)
	return 1, nil
}

func (s *stubSweeper) SweepGraceExpired(ctx context.Context) (int, error) {
	s.grace.Add(1)
	return 0, nil
}

func (s *stubSweeper) SweepDelinquent(ctx context.Context) (int, error) {
	s.delinq.Add(1)
	return 0, nil
}

func (s *stubSweeper) SweepPendingChanges(ctx context.Context) (int, error) {
	s.pending.Add(1)
	return 0, nil
}

func (s *stubSweeper) SweepRenewalReminders(ctx context.Context) (int, error) {
	s.reminders.Add(1)
	return 0, nil
}

type stubReprocessor struct {
	calls atomic.Int32
	err   error
}

func (s *stubReprocessor) ReprocessDeadLetters(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func defaultConfig() schedule.Config {
	return schedule.Config{
		ExpirySpec:         "*/5 * * * *",
		GraceExpirySpec:    "*/15 * * * *",
		DelinquencySpec:    "30 2 * * *",
		PendingChangesSpec: "0 * * * *",
		RemindersSpec:      "0 9 * * *",
		DeadLettersSpec:    "*/30 * * * *",
		JobTimeout:         time.Minute,
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("registers every job", func(t *testing.T) {
		t.Parallel()
		s, err := schedule.New(defaultConfig(), &stubSweeper{}, &stubReprocessor{}, nil)
		require.NoError(t, err)
		assert.Len(t, s.Entries(), 6)
	})

	t.Run("rejects a malformed cron spec", func(t *testing.T) {
		t.Parallel()
		cfg := defaultConfig()
		cfg.ExpirySpec = "every five minutes"
		_, err := schedule.New(cfg, &stubSweeper{}, &stubReprocessor{}, nil)
		require.Error(t, err)
	})

	t.Run("requires collaborators", func(t *testing.T) {
		t.Parallel()
		_, err := schedule.New(defaultConfig(), nil, &stubReprocessor{}, nil)
		require.Error(t, err)

		_, err = schedule.New(defaultConfig(), &stubSweeper{}, nil, nil)
		require.Error(t, err)
	})
}

func TestSchedulerRunsJobs(t *testing.T) {
	t.Parallel()

	sweeper := &stubSweeper{}
	reprocessor := &stubReprocessor{err: errors.New("still broken")}

	cfg := defaultConfig()
	// Every-second specs keep the test fast; robfig/cron accepts the
	// optional seconds field only via a custom parser, so use @every.
	cfg.ExpirySpec = "@every 100ms"
	cfg.GraceExpirySpec = "@every 100ms"
	cfg.DelinquencySpec = "@every 100ms"
	cfg.PendingChangesSpec = "@every 100ms"
	cfg.RemindersSpec = "@every 100ms"
	cfg.DeadLettersSpec = "@every 100ms"

	s, err := schedule.New(cfg, sweeper, reprocessor, nil)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return sweeper.expired.Load() > 0 &&
			sweeper.grace.Load() > 0 &&
			sweeper.delinq.Load() > 0 &&
			sweeper.pending.Load() > 0 &&
			sweeper.reminders.Load() > 0 &&
			reprocessor.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
}
