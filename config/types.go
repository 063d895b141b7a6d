// Package config loads amqpkit settings from defaults, YAML files and the environment.
package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Environment names accepted by app.env.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the complete amqpkit configuration tree.
type Config struct {
	App           AppConfig           `koanf:"app"`
	Log           LogConfig           `koanf:"log"`
	Broker        BrokerConfig        `koanf:"broker"`
	Channel       ChannelConfig       `koanf:"channel"`
	RPC           RPCConfig           `koanf:"rpc"`
	Observability ObservabilityConfig `koanf:"observability"`

	k *koanf.Koanf
}

// AppConfig identifies the running service.
type AppConfig struct {
	Name string `koanf:"name" validate:"required"`
	Env  string `koanf:"env" validate:"oneof=development staging production"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `koanf:"pretty"`
}

// BrokerConfig describes the physical broker connection.
type BrokerConfig struct {
	URL            string        `koanf:"url" validate:"required,url"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	DialTimeout    time.Duration `koanf:"dial_timeout" validate:"gt=0"`
}

// ChannelConfig tunes every channel owner.
type ChannelConfig struct {
	// RetryInterval is how often a disconnected owner asks for a new channel.
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gt=0"`
	// PrefetchCount of 0 leaves QoS untouched.
	PrefetchCount int `koanf:"prefetch_count" validate:"gte=0"`
}

// RPCConfig groups RPC endpoint settings.
type RPCConfig struct {
	Server RPCServerConfig `koanf:"server"`
}

// RPCServerConfig is the queue/exchange/routing key an RPC server binds.
type RPCServerConfig struct {
	Queue        string `koanf:"queue"`
	Exchange     string `koanf:"exchange"`
	ExchangeType string `koanf:"exchange_type" validate:"oneof=direct topic fanout headers"`
	RoutingKey   string `koanf:"routing_key"`
}

// ObservabilityConfig controls OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled bool          `koanf:"enabled"`
	Service string        `koanf:"service" validate:"required_if=Enabled true"`
	Trace   ExportConfig  `koanf:"trace"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ExportConfig is an exporter target. Endpoint "stdout" prints locally.
type ExportConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Protocol string `koanf:"protocol" validate:"oneof=grpc http"`
	Insecure bool   `koanf:"insecure"`
}

// MetricsConfig is an exporter target plus the periodic reader interval.
type MetricsConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Endpoint string        `koanf:"endpoint"`
	Protocol string        `koanf:"protocol" validate:"oneof=grpc http"`
	Insecure bool          `koanf:"insecure"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// String returns any loaded key, including ones outside the typed tree.
func (c *Config) String(key string, defaultVal ...string) string {
	if c.k != nil && c.k.Exists(key) {
		return c.k.String(key)
	}
	if len(defaultVal) > 0 {
		return defaultVal[0]
	}
	return ""
}
