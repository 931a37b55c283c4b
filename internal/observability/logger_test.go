// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/uiprobe/internal/config"
)

// syncBuffer adapts a bytes.Buffer into a zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (s *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf := &syncBuffer{}

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}
		Initialize(cfg, zapcore.AddSync(buf))
		GetLogger().Info("This is a test message.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, ansiColors["green"], "Info level should be colorized green")
		assert.Contains(t, output, ansiReset)
		assert.Contains(t, output, "TestService.", "component names carry a dot suffix")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf := &syncBuffer{}

		cfg := config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}
		Initialize(cfg, zapcore.AddSync(buf))
		GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))
		Sync()

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "warn", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["component"])
		assert.Contains(t, logEntry, "ts")
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		logPath := filepath.Join(t.TempDir(), "uiprobe.log")

		console := &syncBuffer{}
		cfg := config.LoggerConfig{Level: "debug", Format: "json", LogFile: logPath, MaxSize: 1}
		Initialize(cfg, zapcore.AddSync(console), zap.String("version", "1.2.3"))
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.Contains(t, string(content), `"version":"1.2.3"`)
		assert.NotContains(t, console.String(), "1.2.3", "file fields stay out of the console")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, zapcore.AddSync(buf))
		logger1 := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(buf))
		logger2 := GetLogger()

		assert.Equal(t, logger1, logger2)
		logger2.Info("test")
		Sync()

		assert.True(t, strings.Contains(buf.String(), "First"))
		assert.False(t, strings.Contains(buf.String(), "Second"))
	})
}

func TestConsoleScenarioPrefix(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "uiprobe"}, zapcore.AddSync(buf))

	scenario := GetLogger().Named("runner").With(zap.String("scenario_id", "TC002"), zap.String("run_id", "r-1"))
	scenario.With(zap.Int("step", 3)).Info("Step failed.", zap.String("error_kind", "ActionableTimeout"))
	scenario.Info("Scenario finished.")
	GetLogger().Info("Run complete.", zap.String("scenario_id", "TC009"))
	GetLogger().Info("Starting uiprobe")
	Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "[TC002:3] Step failed.")
	assert.Contains(t, lines[0], `"run_id": "r-1"`)
	assert.Contains(t, lines[0], `"error_kind": "ActionableTimeout"`)
	assert.NotContains(t, lines[0], `"scenario_id"`)
	assert.NotContains(t, lines[0], `"step"`)
	assert.Contains(t, lines[1], "[TC002] Scenario finished.")
	assert.Contains(t, lines[2], "[TC009] Run complete.")
	assert.NotContains(t, lines[3], "[")
}

func TestUnsyncable(t *testing.T) {
	assert.True(t, unsyncable(&os.PathError{Op: "sync", Path: "/dev/stdout", Err: syscall.EINVAL}))
	assert.True(t, unsyncable(&os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.ENOTTY}))
	assert.False(t, unsyncable(&os.PathError{Op: "sync", Path: "/var/log/uiprobe.log", Err: syscall.EIO}))
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		logger := GetLogger()
		require.NotNil(t, logger)
		assert.NotPanics(t, func() { logger.Info("discarded") })
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, zapcore.AddSync(&syncBuffer{}))
		assert.Equal(t, globalLogger.Load(), GetLogger())
	})
}
