package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/config"
)

type sweepConfig struct {
	GraceHours  int           `env:"TEST_GRACE_HOURS" envDefault:"72"`
	Delinquency time.Duration `env:"TEST_DELINQUENCY" envDefault:"2160h"`
}

type requiredConfig struct {
	GatewayURL string `env:"TEST_GATEWAY_URL_MISSING,required"`
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		var cfg sweepConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 72, cfg.GraceHours)
		assert.Equal(t, 2160*time.Hour, cfg.Delinquency)
	})

	t.Run("caches per type", func(t *testing.T) {
		var first sweepConfig
		require.NoError(t, config.Load(&first))

		// Changing the environment after the first load has no effect.
		t.Setenv("TEST_GRACE_HOURS", "1")

		var second sweepConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, first, second)
	})

	t.Run("nil pointer", func(t *testing.T) {
		err := config.Load[sweepConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})

	t.Run("missing required variable", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})
}

func TestMustLoadPanics(t *testing.T) {
	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}
