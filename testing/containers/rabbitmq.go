//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const amqpPort = "5672/tcp"

// RabbitMQConfig configures the broker container.
type RabbitMQConfig struct {
	ImageTag       string
	Username       string
	Password       string
	StartupTimeout time.Duration
}

// DefaultRabbitMQConfig uses the alpine management image with guest credentials.
func DefaultRabbitMQConfig() RabbitMQConfig {
	return RabbitMQConfig{
		ImageTag:       "3.13-management-alpine",
		Username:       "guest",
		Password:       "guest",
		StartupTimeout: 60 * time.Second,
	}
}

// Broker is a running RabbitMQ container.
type Broker struct {
	container *rabbitmq.RabbitMQContainer
	url       string
}

// StartRabbitMQ runs a broker and terminates it when t finishes. The test is
// skipped when Docker is unreachable.
func StartRabbitMQ(ctx context.Context, t *testing.T, cfg RabbitMQConfig) *Broker {
	t.Helper()

	if !dockerAvailable(ctx) {
		t.Skip("docker is not available")
	}

	broker, err := startRabbitMQ(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start rabbitmq: %v", err)
	}
	t.Logf("RabbitMQ listening on %s", broker.url)

	t.Cleanup(func() {
		if err := broker.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})
	return broker
}

func startRabbitMQ(ctx context.Context, cfg RabbitMQConfig) (*Broker, error) {
	container, err := rabbitmq.Run(ctx,
		"rabbitmq:"+cfg.ImageTag,
		rabbitmq.WithAdminUsername(cfg.Username),
		rabbitmq.WithAdminPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort(amqpPort).WithStartupTimeout(cfg.StartupTimeout),
			wait.ForLog("Server startup complete").WithStartupTimeout(cfg.StartupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to run rabbitmq container: %w", err)
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to resolve amqp url: %w", err)
	}
	return &Broker{container: container, url: url}, nil
}

// URL returns the AMQP URL of the broker, credentials included.
func (b *Broker) URL() string {
	return b.url
}

// Stop stops the container without removing it, severing every connection.
func (b *Broker) Stop(ctx context.Context) error {
	timeout := 10 * time.Second
	return b.container.Stop(ctx, &timeout)
}

// Start restarts a stopped container. The mapped port may change, so URL is refreshed.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.container.Start(ctx); err != nil {
		return err
	}
	url, err := b.container.AmqpURL(ctx)
	if err != nil {
		return err
	}
	b.url = url
	return nil
}

// Terminate removes the container.
func (b *Broker) Terminate(ctx context.Context) error {
	if b.container == nil {
		return nil
	}
	return b.container.Terminate(ctx)
}
