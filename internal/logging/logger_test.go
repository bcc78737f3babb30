package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/changefeed/internal/config"
)

// Tests here share the package-level closer registry and must not run in parallel.

func fileConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	cfg.Console.Enabled = false
	return cfg
}

func readLog(t *testing.T, dir, name string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger_DefaultConfig(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Info("test message", "key", "value")
	require.NoError(t, Shutdown())

	// errors.log is not created until something at warn or above is logged
	content := readLog(t, cfg.Dir, "changefeed.log")
	assert.Contains(t, content, "[INFO] test message key=value")
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "errors.log"))
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := fileConfig(t)
	cfg.File.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("test json", "key", "value")
	require.NoError(t, Shutdown())

	content := readLog(t, cfg.Dir, "changefeed.log")
	assert.Contains(t, content, `"msg":"test json"`)
	assert.Contains(t, content, `"key":"value"`)
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	cfg := fileConfig(t)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")
	require.NoError(t, Shutdown())

	main := readLog(t, cfg.Dir, "changefeed.log")
	assert.Contains(t, main, "info message")
	assert.Contains(t, main, "warning message")
	assert.Contains(t, main, "error message")

	errs := readLog(t, cfg.Dir, "errors.log")
	assert.NotContains(t, errs, "info message")
	assert.Contains(t, errs, "warning message")
	assert.Contains(t, errs, "error message")
}

func TestNewLogger_AsyncFiles(t *testing.T) {
	cfg := fileConfig(t)
	cfg.File.Async = true

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		logger.Info("batch delivered", "seq", i)
	}
	logger.Error("cursor failed")
	require.NoError(t, Shutdown())

	assert.Equal(t, 20, strings.Count(readLog(t, cfg.Dir, "changefeed.log"), "batch delivered"))
	assert.Contains(t, readLog(t, cfg.Dir, "errors.log"), "cursor failed")
}

func TestNewLogger_Dedup(t *testing.T) {
	cfg := fileConfig(t)
	cfg.Dedup = true

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		logger.Warn("restart attempt failed", "watcher", "orders")
	}
	require.NoError(t, Shutdown())

	main := readLog(t, cfg.Dir, "changefeed.log")
	assert.Equal(t, 1, strings.Count(main, "restart attempt failed"))
	assert.Contains(t, main, "repeated_count=3")
	assert.Contains(t, readLog(t, cfg.Dir, "errors.log"), "repeated_count=3")
}

func TestNewLogger_NoSinks(t *testing.T) {
	cfg := fileConfig(t)
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Error("dropped")
	require.NoError(t, Shutdown())

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	cfg := fileConfig(t)
	require.NoError(t, Initialize(cfg))

	slog.Info("global test message")
	require.NoError(t, Shutdown())

	content := readLog(t, cfg.Dir, "changefeed.log")
	assert.Contains(t, content, "logging initialized")
	assert.Contains(t, content, "global test message")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseLevel(tt.level), tt.level)
	}
}
