package logger

import (
	"context"
	"sync/atomic"
)

type contextKey string

const (
	amqpCounterKey contextKey = "amqp_message_counter"
	amqpElapsedKey contextKey = "amqp_elapsed_nanos"
)

// WithAMQPCounter attaches a publish counter and elapsed-time accumulator to ctx so callers
// can report how much broker traffic a unit of work produced.
func WithAMQPCounter(ctx context.Context) context.Context {
	var counter, elapsed int64
	ctx = context.WithValue(ctx, amqpCounterKey, &counter)
	return context.WithValue(ctx, amqpElapsedKey, &elapsed)
}

// IncrementAMQPCounter is a no-op when ctx carries no counter.
func IncrementAMQPCounter(ctx context.Context) {
	if counter, ok := ctx.Value(amqpCounterKey).(*int64); ok && counter != nil {
		atomic.AddInt64(counter, 1)
	}
}

// AddAMQPElapsed adds nanos to the elapsed accumulator in ctx.
func AddAMQPElapsed(ctx context.Context, nanos int64) {
	if elapsed, ok := ctx.Value(amqpElapsedKey).(*int64); ok && elapsed != nil {
		atomic.AddInt64(elapsed, nanos)
	}
}

// GetAMQPCounter returns the number of publishes recorded in ctx.
func GetAMQPCounter(ctx context.Context) int64 {
	if counter, ok := ctx.Value(amqpCounterKey).(*int64); ok && counter != nil {
		return atomic.LoadInt64(counter)
	}
	return 0
}

// GetAMQPElapsed returns the accumulated publish time in nanoseconds.
func GetAMQPElapsed(ctx context.Context) int64 {
	if elapsed, ok := ctx.Value(amqpElapsedKey).(*int64); ok && elapsed != nil {
		return atomic.LoadInt64(elapsed)
	}
	return 0
}
