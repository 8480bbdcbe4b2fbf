package logger_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaflow/billing/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json output", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log, err := logger.New(logger.Config{Level: "info", Format: logger.FormatJSON}, &buf)
		require.NoError(t, err)

		log.Info("hello", logger.Component("test"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, "test", entry["component"])
	})

	t.Run("level filters", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log, err := logger.New(logger.Config{Level: "warn"}, &buf)
		require.NoError(t, err)

		log.Info("dropped")
		log.Warn("kept")

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("text format", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log, err := logger.New(logger.Config{Format: logger.FormatText}, &buf)
		require.NoError(t, err)

		log.Info("readable")
		assert.True(t, strings.Contains(buf.String(), "msg=readable"))
	})

	t.Run("rejects unknown level and format", func(t *testing.T) {
		t.Parallel()
		_, err := logger.New(logger.Config{Level: "verbose"}, nil)
		require.Error(t, err)

		_, err = logger.New(logger.Config{Format: "yaml"}, nil)
		require.Error(t, err)
	})
}
