package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Config carries the cron specs of every periodic job. The defaults
// match how quickly each transition needs to be noticed: expiry within
// minutes, delinquency within a day.
type Config struct {
	ExpirySpec         string        `env:"SCHEDULE_EXPIRY_CRON" envDefault:"*/5 * * * *"`
	GraceExpirySpec    string        `env:"SCHEDULE_GRACE_CRON" envDefault:"*/15 * * * *"`
	DelinquencySpec    string        `env:"SCHEDULE_DELINQUENCY_CRON" envDefault:"30 2 * * *"`
	DelinquencyPeriod  time.Duration `env:"SCHEDULE_DELINQUENCY_PERIOD" envDefault:"2160h"`
	PendingChangesSpec string        `env:"SCHEDULE_PENDING_CHANGES_CRON" envDefault:"0 * * * *"`
	RemindersSpec      string        `env:"SCHEDULE_REMINDERS_CRON" envDefault:"0 9 * * *"`
	DeadLettersSpec    string        `env:"SCHEDULE_DEAD_LETTERS_CRON" envDefault:"*/30 * * * *"`
	JobTimeout         time.Duration `env:"SCHEDULE_JOB_TIMEOUT" envDefault:"5m"`
}

// SubscriptionSweeper is the slice of the subscription service the
// scheduler drives.
type SubscriptionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	SweepGraceExpired(ctx context.Context) (int, error)
	SweepDelinquent(ctx context.Context) (int, error)
	SweepPendingChanges(ctx context.Context) (int, error)
	SweepRenewalReminders(ctx context.Context) (int, error)
}

// DeadLetterReprocessor rescues buried provisioning tasks.
type DeadLetterReprocessor interface {
	ReprocessDeadLetters(ctx context.Context) (int, error)
}

// Scheduler runs the billing lifecycle sweeps on cron schedules. Every
// sweep is idempotent, so overlapping or missed runs are harmless.
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	logger  *slog.Logger
	timeout time.Duration
}

// job pairs a sweep with its cron spec.
type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

// New builds a scheduler wiring all periodic jobs.
func New(cfg Config, subs SubscriptionSweeper, dlq DeadLetterReprocessor, logger *slog.Logger) (*Scheduler, error) {
	if subs == nil {
		return nil, errors.New("schedule: subscription sweeper is required")
	}
	if dlq == nil {
		return nil, errors.New("schedule: dead letter reprocessor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cron:    cron.New(),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "schedule")),
		timeout: cfg.JobTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	jobs := []job{
		{"expiry", cfg.ExpirySpec, subs.SweepExpired},
		{"grace_expiry", cfg.GraceExpirySpec, subs.SweepGraceExpired},
		{"delinquency", cfg.DelinquencySpec, subs.SweepDelinquent},
		{"pending_changes", cfg.PendingChangesSpec, subs.SweepPendingChanges},
		{"renewal_reminders", cfg.RemindersSpec, subs.SweepRenewalReminders},
		{"dead_letters", cfg.DeadLettersSpec, dlq.ReprocessDeadLetters},
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.runJob(j) }); err != nil {
			return nil, fmt.Errorf("schedule job %q with spec %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Entries exposes the scheduled jobs, mainly for health reporting.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

func (s *Scheduler) runJob(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	n, err := j.run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed",
			slog.String("job", j.name),
			slog.Duration("took", time.Since(started)),
			slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			slog.String("job", j.name),
			slog.Int("processed", n),
			slog.Duration("took", time.Since(started)))
	}
}
