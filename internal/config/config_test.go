package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "api_key: ${TEST_API_KEY}",
			envVars:  map[string]string{"TEST_API_KEY": "test_key_123"},
			expected: "api_key: test_key_123",
		},
		{
			name:     "expand multiple env vars",
			input:    "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars:  map[string]string{"API_KEY": "key_value", "SECRET_KEY": "secret_value"},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:     "mixed static and env vars",
			input:    "static_value: 123\napi_key: ${TEST_KEY}",
			envVars:  map[string]string{"TEST_KEY": "dynamic_key"},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func validConfigYAML() string {
	return `
mode: paper
system:
  log_level: INFO
  data_dir: ./data
router:
  feed_dirs: ["./data/feeds"]
  stale_threshold_minutes: 30
  daily_run_budget: 200
  per_token_reject_cooldown_minutes: 30
  pipeline_timeout_seconds: 300
  state_file: ./data/router_state.json
circuit_breakers:
  simultaneous_trip_pause: 3
store:
  db_path: ${TEST_DB_PATH}
`
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(validConfigYAML()))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_DB_PATH", "/tmp/sanad-test.db")
	defer os.Unsetenv("TEST_DB_PATH")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "/tmp/sanad-test.db", cfg.Store.DBPath)
	assert.Equal(t, "paper", cfg.Mode)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestValidateRejectsMissingFeedDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.FeedDirs = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router.feed_dirs")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.System.LogLevel = "VERBOSE"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system.log_level")
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestComponentBreakerDefaultsWhenUnconfigured(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.CircuitBreaker.ComponentBreaker("some_unknown_source")
	assert.Equal(t, 300, got.WindowSeconds)
	assert.Equal(t, 5, got.TripThreshold)
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.SlackWebhookURL = Secret("https://hooks.slack.com/services/super-secret-path")
	out := cfg.String()
	assert.NotContains(t, out, "super-secret-path")
	assert.Contains(t, out, "REDACTED")
}
