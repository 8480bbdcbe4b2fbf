// Command billingd runs the subscription billing daemon: the payment
// webhook intake, the background provisioning worker and the lifecycle
// sweep scheduler, all sharing one Postgres schema and one Redis for
// fleet-wide breaker and rate limiter state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pesaflow/billing/pkg/breaker"
	"github.com/pesaflow/billing/pkg/config"
	"github.com/pesaflow/billing/pkg/httpserver"
	"github.com/pesaflow/billing/pkg/logger"
	"github.com/pesaflow/billing/pkg/pg"
	"github.com/pesaflow/billing/pkg/queue"
	"github.com/pesaflow/billing/pkg/ratelimiter"
	"github.com/pesaflow/billing/pkg/redis"
	"github.com/pesaflow/billing/svc/provisioning"
	"github.com/pesaflow/billing/svc/schedule"
	"github.com/pesaflow/billing/svc/subscription"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("billingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	// Domain wiring.
	repo, err := subscription.NewPgRepository(pool)
	if err != nil {
		return err
	}
	plans, err := subscription.NewPgPlanSource(pool)
	if err != nil {
		return err
	}

	breakerStore, err := breaker.NewRedisStore(rdb)
	if err != nil {
		return err
	}
	gatewayBreaker, err := breaker.New("payment-gateway", breakerStore, cfg.Breaker)
	if err != nil {
		return err
	}

	limiterStore, err := ratelimiter.NewRedisStore(rdb)
	if err != nil {
		return err
	}
	limiter, err := ratelimiter.NewBucket(limiterStore, cfg.RateLimit)
	if err != nil {
		return err
	}

	dispatcher := subscription.NewDispatcher(log)
	svc, err := subscription.NewService(repo, plans, newPaymentClient(cfg.Gateway), dispatcher,
		subscription.WithGatewayBreaker(gatewayBreaker),
		subscription.WithRateLimiter(limiter),
		subscription.WithDelinquencyPeriod(cfg.Schedule.DelinquencyPeriod),
		subscription.WithLogger(log),
	)
	if err != nil {
		return err
	}

	pipeline, err := subscription.NewActivationPipeline(svc,
		subscription.WithPipelineLogger(log))
	if err != nil {
		return err
	}

	// Background provisioning: queue storage, worker, DLQ sweep.
	taskStore, err := queue.NewPgStorage(pool)
	if err != nil {
		return err
	}
	enqueuer, err := queue.NewEnqueuer(taskStore)
	if err != nil {
		return err
	}
	provisioner, err := provisioning.NewService(repo, enqueuer, taskStore,
		provisioning.WithLogger(log))
	if err != nil {
		return err
	}

	worker, err := queue.NewWorker(taskStore, queue.WithLogger(log))
	if err != nil {
		return err
	}
	worker.RegisterHandlers(provisioner.Handler())
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start queue worker: %w", err)
	}
	defer worker.Stop()

	scheduler, err := schedule.New(cfg.Schedule, svc, provisioner, log)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := httpserver.NewFromConfig(cfg.HTTP,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("billingd listening", slog.String("addr", cfg.HTTP.Addr))
		}),
	)
	return srv.Run(ctx, router(ctx, cfg, log, pipeline, pool, rdb))
}

func router(ctx context.Context, cfg appConfig, log *slog.Logger, pipeline *subscription.ActivationPipeline, pool *pgxpool.Pool, rdb *goredis.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.HealthCheckHandler(ctx, log))
	r.Get("/readyz", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool), redis.Healthcheck(rdb)))

	r.Post("/webhooks/payments", (&webhookHandler{
		pipeline:  pipeline,
		secret:    cfg.Webhook.Secret,
		tolerance: cfg.Webhook.Tolerance,
		logger:    log.With(slog.String("component", "webhook.handler")),
	}).ServeHTTP)

	return r
}
