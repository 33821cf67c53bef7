package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/couchpull/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			config.Output = &buf
			logger := NewLogger(config)

			logger.Info("Info message", slog.Int("count", 42))
			logger.LogError(context.Background(), errors.New(errors.OpInsert, fmt.Errorf("storage error")), "Operation failed")

			childLogger := logger.WithComponent(ComponentPuller)
			childLogger.Info("Child logger message")

			err := logger.LogOperation(context.Background(), Operation("test_op"), func() error { return nil })
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, "Info message")
			assert.Contains(t, out, "Operation failed")
			assert.Contains(t, out, "revision-puller")
		})
	}
}

func TestSyncErrorValuer_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: &buf})

	syncErr := &errors.SyncError{
		Op:         errors.OpFetch,
		Component:  "transport",
		Kind:       errors.KindNotFound,
		StatusCode: 404,
		Err:        fmt.Errorf("missing"),
		Metadata:   map[string]interface{}{"doc_id": "doc3"},
	}
	logger.LogError(context.Background(), fmt.Errorf("wrapped: %w", syncErr), "fetch failed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	group, ok := record["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error should be a group")
	assert.Equal(t, "not_found", group["kind"])
	assert.Equal(t, float64(404), group["status"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.Level(LevelTrace), ParseLevel("trace"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "WARN")

	config := GetConfigFromEnv()
	assert.Equal(t, "json", config.Format)
	assert.Equal(t, "warn", config.Level)
	assert.False(t, config.AddSource)
}

func TestGetConfigFromEnv_PrefixWins(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("COUCHPULL_LOG_LEVEL", "error")
	t.Setenv("COUCHPULL_LOG_ADD_SOURCE", "1")

	config := GetConfigFromEnv()
	assert.Equal(t, "error", config.Level)
	assert.Equal(t, "text", config.Format)
	assert.True(t, config.AddSource)
}

func TestOr(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	Or(base, ComponentTracker).Info("hello")
	assert.Contains(t, buf.String(), "component=changes-tracker")
}
