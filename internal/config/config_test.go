// ABOUTME: Tests for config parsing, env expansion, durations, and validation
// ABOUTME: Uses Parse on inline YAML rather than touching the filesystem

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  url: wss://gateway.example.com/ws
  project_id: proj-1
database:
  path: /tmp/pocketagent.db
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://gateway.example.com/ws", cfg.Server.URL)
	assert.Equal(t, "proj-1", cfg.Server.ProjectID)
	assert.Equal(t, "/tmp/pocketagent.db", cfg.Database.Path)
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultHeartbeatInterval, cfg.Session.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Session.HeartbeatTimeout)
	assert.Equal(t, DefaultReconnectMaxAttempts, cfg.Session.ReconnectMaxAttempts)
	assert.Equal(t, DefaultMaxRequestAge, cfg.Permission.MaxRequestAge)
	assert.Equal(t, DefaultBruteForceThreshold, cfg.Permission.BruteForceThreshold)
	assert.Equal(t, DefaultAuditRetention, cfg.Audit.Retention)
	assert.Equal(t, "require_confirmation", cfg.Policy.DefaultDecision)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParse_Durations(t *testing.T) {
	yaml := minimalYAML + `
session:
  heartbeat_interval: 15s
  heartbeat_timeout: 5s
  reconnect_base_delay: 500ms
  reconnect_max_delay: 1m
permission:
  max_request_age: 90s
  brute_force_window: 10m
audit:
  retention: 720h
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.HeartbeatTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.ReconnectBaseDelay)
	assert.Equal(t, time.Minute, cfg.Session.ReconnectMaxDelay)
	assert.Equal(t, 90*time.Second, cfg.Permission.MaxRequestAge)
	assert.Equal(t, 10*time.Minute, cfg.Permission.BruteForceWindow)
	assert.Equal(t, 720*time.Hour, cfg.Audit.Retention)
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := minimalYAML + `
session:
  heartbeat_interval: soonish
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("POCKETAGENT_TEST_PROJECT", "proj-from-env")

	yaml := `
server:
  url: wss://gateway.example.com/ws
  project_id: ${POCKETAGENT_TEST_PROJECT}
database:
  path: /tmp/pocketagent.db
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "proj-from-env", cfg.Server.ProjectID)
}

func TestParse_UnsetEnvExpandsEmpty(t *testing.T) {
	yaml := `
server:
  url: wss://gateway.example.com/ws
  project_id: "${POCKETAGENT_DEFINITELY_UNSET_VAR}"
database:
  path: /tmp/pocketagent.db
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err, "empty project_id should fail validation")
}

func TestValidate_Required(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing url", "server:\n  project_id: p\ndatabase:\n  path: /tmp/x.db\n", "server.url"},
		{"missing project", "server:\n  url: wss://x\ndatabase:\n  path: /tmp/x.db\n", "server.project_id"},
		{"missing database", "server:\n  url: wss://x\n  project_id: p\n", "database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_BadEnums(t *testing.T) {
	yaml := minimalYAML + `
policy:
  default_decision: maybe
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_decision")

	yaml = minimalYAML + `
logging:
  level: loud
`
	_, err = Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}
