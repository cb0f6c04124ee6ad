package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/threatscope/threatscope/internal/common/config"
)

func TestNewLoggerStdout(t *testing.T) {
	cfg := &config.LoggerConfig{}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	// Defaults applied in place
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)

	logger.Info("test message")
	_ = logger.Sync()
}

func TestNewLoggerFileOutput(t *testing.T) {
	cfg := &config.LoggerConfig{
		Output:   "file",
		FilePath: filepath.Join(t.TempDir(), "logs", "app.log"),
		Format:   "console",
		Level:    "debug",
	}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Debug("file log line")
	_ = logger.Sync()
}

func TestGetLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, getLogLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, getLogLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, getLogLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel("unknown"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel(""))
}

func TestResolveTimeZone(t *testing.T) {
	assert.Equal(t, "UTC", resolveTimeZone("UTC").String())
	assert.NotNil(t, resolveTimeZone("Local"))
	assert.NotNil(t, resolveTimeZone("Not/AZone"))
}
