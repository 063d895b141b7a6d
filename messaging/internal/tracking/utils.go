package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// formatDestinationName follows the OTel RabbitMQ convention:
// "{exchange}:{routing_key}" for producers and "{exchange}:{routing_key}:{queue}" for consumers.
// The default exchange renders as an empty prefix.
func formatDestinationName(exchange, routingKey, queue string) string {
	if queue != "" {
		return fmt.Sprintf("%s:%s:%s", exchange, routingKey, queue)
	}
	return fmt.Sprintf("%s:%s", exchange, routingKey)
}

// extractErrorType returns the error.type attribute value, empty for nil.
func extractErrorType(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "context.Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "context.DeadlineExceeded"
	default:
		return fmt.Sprintf("%T", err)
	}
}

func durationToSeconds(d time.Duration) float64 {
	return d.Seconds()
}
