package main

import (
	"time"

	"github.com/pesaflow/billing/pkg/breaker"
	"github.com/pesaflow/billing/pkg/httpserver"
	"github.com/pesaflow/billing/pkg/logger"
	"github.com/pesaflow/billing/pkg/pg"
	"github.com/pesaflow/billing/pkg/ratelimiter"
	"github.com/pesaflow/billing/pkg/redis"
	"github.com/pesaflow/billing/svc/schedule"
)

// appConfig aggregates every component's configuration. Each block is
// parsed from the environment once and cached by pkg/config.
type appConfig struct {
	Log       logger.Config
	HTTP      httpserver.Config
	PG        pg.Config
	Redis     redis.Config
	Breaker   breaker.Config
	RateLimit ratelimiter.Config
	Schedule  schedule.Config
	Gateway   gatewayConfig
	Webhook   webhookConfig
}

// gatewayConfig points at the internal payment collaborator service.
type gatewayConfig struct {
	BaseURL string        `env:"PAYMENT_SERVICE_URL,required"`
	APIKey  string        `env:"PAYMENT_SERVICE_API_KEY,required"`
	Timeout time.Duration `env:"PAYMENT_SERVICE_TIMEOUT" envDefault:"30s"`
}

// webhookConfig authenticates inbound payment gateway callbacks.
type webhookConfig struct {
	Secret    string        `env:"PAYMENT_WEBHOOK_SECRET,required"`
	Tolerance time.Duration `env:"PAYMENT_WEBHOOK_TOLERANCE" envDefault:"5m"`
}
