package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
app:
  name: billing
  env: staging
broker:
  url: amqp://user:pw@rabbit:5672/vh
  reconnect_delay: 2s
channel:
  prefetch_count: 10
rpc:
  server:
    queue: billing.rpc
    exchange: billing
    routing_key: invoice
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "amqpkit", cfg.App.Name)
	assert.Equal(t, EnvDevelopment, cfg.App.Env)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Broker.DialTimeout)
	assert.Equal(t, time.Second, cfg.Channel.RetryInterval)
	assert.Equal(t, 0, cfg.Channel.PrefetchCount)
	assert.Equal(t, "direct", cfg.RPC.Server.ExchangeType)
	assert.Equal(t, 30*time.Second, cfg.Observability.Metrics.Interval)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadFromBytesOverridesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(testYAML))
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.App.Name)
	assert.Equal(t, EnvStaging, cfg.App.Env)
	assert.Equal(t, "amqp://user:pw@rabbit:5672/vh", cfg.Broker.URL)
	assert.Equal(t, 2*time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, 10, cfg.Channel.PrefetchCount)
	assert.Equal(t, "billing.rpc", cfg.RPC.Server.Queue)
	assert.Equal(t, "invoice", cfg.RPC.Server.RoutingKey)
	assert.Equal(t, "billing", cfg.String("rpc.server.exchange"))
	assert.Equal(t, "fallback", cfg.String("does.not.exist", "fallback"))
}

func TestLoadEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	t.Setenv("AMQPKIT_APP__NAME", "from-env")
	t.Setenv("AMQPKIT_CHANNEL__RETRY_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.App.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.RetryInterval)
	assert.Equal(t, EnvStaging, cfg.App.Env)
}

func TestLoadSkipsMissingFiles(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "amqpkit", cfg.App.Name)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := LoadFromBytes([]byte("app: [unterminated"))
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "load", cfgErr.Category)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		field    string
		category string
	}{
		{
			name:     "bad_env",
			yaml:     "app:\n  env: qa\n",
			field:    "app.env",
			category: "invalid",
		},
		{
			name:     "bad_log_level",
			yaml:     "log:\n  level: loud\n",
			field:    "log.level",
			category: "invalid",
		},
		{
			name:     "empty_broker_url",
			yaml:     "broker:\n  url: \"\"\n",
			field:    "broker.url",
			category: "missing",
		},
		{
			name:     "negative_prefetch",
			yaml:     "channel:\n  prefetch_count: -1\n",
			field:    "channel.prefetch_count",
			category: "invalid",
		},
		{
			name:     "observability_without_service",
			yaml:     "observability:\n  enabled: true\n",
			field:    "observability.service",
			category: "missing",
		},
		{
			name:     "bad_exchange_type",
			yaml:     "rpc:\n  server:\n    exchange_type: queue\n",
			field:    "rpc.server.exchange_type",
			category: "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, tt.category, cfgErr.Category)
		})
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := NewMissingFieldError("broker.url")
	assert.Equal(t, "config_missing: broker.url required (set AMQPKIT_BROKER__URL or add broker.url to the config file)", err.Error())

	assert.Equal(t, "AMQPKIT_RPC__SERVER__QUEUE", EnvVarFor("rpc.server.queue"))
}
