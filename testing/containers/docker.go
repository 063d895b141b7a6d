//go:build integration

// Package containers starts throwaway RabbitMQ brokers for integration tests.
package containers

import (
	"context"

	"github.com/testcontainers/testcontainers-go"
)

// dockerAvailable reports whether the Docker daemon answers.
func dockerAvailable(ctx context.Context) bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}
