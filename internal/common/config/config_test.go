package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
  mode: test
logger:
  level: debug
  format: console
websocket:
  path: /ws/notifications
  require_auth: true
  keepalive_timeout: 30s
  max_malformed_frames: 3
  max_conns_per_principal: 4
  max_groups_per_conn: 10
  send_queue_size: 32
auth:
  jwt:
    secret_key: test-secret-key-at-least-32-chars-long
    duration: 24h
database:
  type: sqlite
  dbname: /tmp/test.db
rate_limit:
  enabled: true
  type: memory
  limit: 5
  window: 10s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "test", cfg.Server.Mode)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/ws/notifications", cfg.WebSocket.Path)
	assert.True(t, cfg.WebSocket.RequireAuth)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.KeepaliveTimeout)
	assert.Equal(t, 3, cfg.WebSocket.MaxMalformedFrames)
	assert.Equal(t, 4, cfg.WebSocket.MaxConnsPerPrincipal)
	assert.Equal(t, 10, cfg.WebSocket.MaxGroupsPerConn)
	assert.Equal(t, 32, cfg.WebSocket.SendQueueSize)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWT.Duration)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DBName)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  jwt:
    secret_key: test-secret-key-at-least-32-chars-long
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.False(t, cfg.WebSocket.RequireAuth)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.KeepaliveTimeout)
	assert.Equal(t, 8, cfg.WebSocket.MaxMalformedFrames)
	assert.Equal(t, 16, cfg.WebSocket.MaxConnsPerPrincipal)
	assert.Equal(t, 64, cfg.WebSocket.MaxGroupsPerConn)
	assert.Equal(t, 256, cfg.WebSocket.SendQueueSize)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "memory", cfg.RateLimit.Type)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "threatscope", cfg.Metrics.Namespace)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigNegativePrincipalCapDisablesIt(t *testing.T) {
	path := writeConfigFile(t, `
websocket:
  max_conns_per_principal: -1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.WebSocket.MaxConnsPerPrincipal)
}

func TestLoadConfigEnvResolution(t *testing.T) {
	t.Setenv("TS_TEST_PORT", "7001")

	path := writeConfigFile(t, `
server:
  port: ${TS_TEST_PORT}
websocket:
  path: ${TS_TEST_WS_PATH:/ws/custom}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, "/ws/custom", cfg.WebSocket.Path)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
