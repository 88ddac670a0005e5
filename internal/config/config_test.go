// ABOUTME: Tests for configuration loading, env expansion, and duration parsing.
// ABOUTME: Writes temp YAML files and loads them through the real path.

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
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_addr: "127.0.0.1:8808"
auth:
  jwt_secret: "test-secret"
  token_ttl: "1h"
relay:
  visibility_timeout: "10s"
  heartbeat_interval: "5s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8808", cfg.Server.HTTPAddr)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Relay.VisibilityTimeout)
	assert.Equal(t, 5*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_addr: "127.0.0.1:8808"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultTokenTTL, cfg.Auth.TokenTTL)
	assert.Equal(t, DefaultVisibilityTimeout, cfg.Relay.VisibilityTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Relay.HeartbeatInterval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("MESH_TEST_SECRET", "from-env")

	path := writeConfigFile(t, `
server:
  http_addr: "127.0.0.1:8808"
auth:
  jwt_secret: "${MESH_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_addr: "127.0.0.1:8808"
auth:
  jwt_secret: "${MESH_TEST_SECRET_DOES_NOT_EXIST}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  jwt_secret: "test-secret"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http_addr is required")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_addr: "127.0.0.1:8808"
relay:
  visibility_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
