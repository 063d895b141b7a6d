// Package tracking records OpenTelemetry metrics for channel owners and RPC endpoints.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	amqpMeterName = "github.com/gaborage/amqpkit/messaging"

	// Standard OTel messaging metric names (semconv v1.37.0)
	metricOperationDuration = "messaging.client.operation.duration"
	metricMessagesSent      = "messaging.client.sent.messages"
	metricMessagesConsumed  = "messaging.client.consumed.messages"

	metricTransactions     = "messaging.client.transactions"
	metricConnectionCreate = "messaging.connection.create"
	metricConnectionClose  = "messaging.connection.close"
	metricChannelCreate    = "messaging.channel.create"
	metricChannelClose     = "messaging.channel.close"
	metricRPCServerResults = "messaging.rpc.server.results"
	metricRPCClientReplies = "messaging.rpc.client.replies"
	metricRPCClientResults = "messaging.rpc.client.responses"

	attrMessagingSystem             = "messaging.system"
	attrMessagingOperation          = "messaging.operation.name"
	attrMessagingDestination        = "messaging.destination.name"
	attrErrorType                   = "error.type"
	attrMessagingRabbitMQExchange   = "messaging.rabbitmq.exchange"
	attrMessagingRabbitMQRoutingKey = "messaging.rabbitmq.routing_key"
	attrMessagingRabbitMQQueue      = "messaging.rabbitmq.queue"
	attrRPCOutcome                  = "rpc.outcome"
	attrRPCMatched                  = "rpc.reply.matched"

	operationPublish = "publish"
	operationReceive = "receive"

	messagingSystemRabbitMQ = "rabbitmq"
)

// RPC server outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
)

// Lifecycle event types.
const (
	EventCreate = "create"
	EventClose  = "close"
)

var (
	amqpMeter   metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	amqpOperationDuration metric.Float64Histogram
	amqpMessagesSent      metric.Int64Counter
	amqpMessagesConsumed  metric.Int64Counter

	amqpTransactions     metric.Int64Counter
	amqpConnectionCreate metric.Int64Counter
	amqpConnectionClose  metric.Int64Counter
	amqpChannelCreate    metric.Int64Counter
	amqpChannelClose     metric.Int64Counter
	rpcServerResults     metric.Int64Counter
	rpcClientReplies     metric.Int64Counter
	rpcClientResponses   metric.Int64Counter
)

// logMetricError reports instrument registration failures; metrics never break messaging.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize metric %s: %v\n", metricName, err)
	}
}

func newCounter(name, description, unit string) metric.Int64Counter {
	counter, err := amqpMeter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	logMetricError(name, err)
	return counter
}

func initAMQPMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if amqpMeter != nil {
		return
	}
	amqpMeter = otel.Meter(amqpMeterName)

	var err error
	amqpOperationDuration, err = amqpMeter.Float64Histogram(
		metricOperationDuration,
		metric.WithDescription("Duration of messaging operation initiated by a producer or consumer client"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10),
	)
	logMetricError(metricOperationDuration, err)

	amqpMessagesSent = newCounter(metricMessagesSent, "Number of messages producer attempted to send to the broker", "{message}")
	amqpMessagesConsumed = newCounter(metricMessagesConsumed, "Number of messages that were delivered to the application", "{message}")
	amqpTransactions = newCounter(metricTransactions, "Number of publish transactions attempted", "{transaction}")
	amqpConnectionCreate = newCounter(metricConnectionCreate, "Number of AMQP connection creation events", "{connection}")
	amqpConnectionClose = newCounter(metricConnectionClose, "Number of AMQP connection close events", "{connection}")
	amqpChannelCreate = newCounter(metricChannelCreate, "Number of AMQP channel creation events", "{channel}")
	amqpChannelClose = newCounter(metricChannelClose, "Number of AMQP channel close events", "{channel}")
	rpcServerResults = newCounter(metricRPCServerResults, "Number of RPC requests handled by outcome", "{request}")
	rpcClientReplies = newCounter(metricRPCClientReplies, "Number of RPC replies received, split by correlation match", "{message}")
	rpcClientResponses = newCounter(metricRPCClientResults, "Number of RPC responses completed", "{response}")
}

func getAMQPMeter() metric.Meter {
	meterOnce.Do(initAMQPMeter)
	return amqpMeter
}

// ResetForTesting drops the cached meter so the next recording binds to the
// current global MeterProvider. This should only be called in tests.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	amqpMeter = nil
	meterOnce = sync.Once{}
}

func destinationAttrs(operation, exchange, routingKey, queue string, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.String(attrMessagingOperation, operation),
		attribute.String(attrMessagingDestination, formatDestinationName(exchange, routingKey, queue)),
	}
	if exchange != "" {
		attrs = append(attrs, attribute.String(attrMessagingRabbitMQExchange, exchange))
	}
	if routingKey != "" {
		attrs = append(attrs, attribute.String(attrMessagingRabbitMQRoutingKey, routingKey))
	}
	if queue != "" {
		attrs = append(attrs, attribute.String(attrMessagingRabbitMQQueue, queue))
	}
	if errorType := extractErrorType(err); errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	return attrs
}

// RecordAMQPPublishMetrics records the duration of a publish and, on success, counts the message.
func RecordAMQPPublishMetrics(ctx context.Context, exchange, routingKey string, duration time.Duration, err error) {
	if getAMQPMeter() == nil {
		return
	}

	attrs := metric.WithAttributes(destinationAttrs(operationPublish, exchange, routingKey, "", err)...)
	if amqpOperationDuration != nil {
		amqpOperationDuration.Record(ctx, durationToSeconds(duration), attrs)
	}
	if amqpMessagesSent != nil && err == nil {
		amqpMessagesSent.Add(ctx, 1, attrs)
	}
}

// RecordAMQPConsumeMetrics records a delivery handed to the application.
// A zero duration skips the histogram.
func RecordAMQPConsumeMetrics(ctx context.Context, exchange, routingKey, queue string, duration time.Duration, err error) {
	if getAMQPMeter() == nil {
		return
	}

	attrs := metric.WithAttributes(destinationAttrs(operationReceive, exchange, routingKey, queue, err)...)
	if amqpOperationDuration != nil && duration > 0 {
		amqpOperationDuration.Record(ctx, durationToSeconds(duration), attrs)
	}
	if amqpMessagesConsumed != nil && err == nil {
		amqpMessagesConsumed.Add(ctx, 1, attrs)
	}
}

// RecordTransaction counts a publish transaction, tagging failures with their error type.
func RecordTransaction(ctx context.Context, publishes int, err error) {
	if getAMQPMeter() == nil || amqpTransactions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.Int("messaging.batch.message_count", publishes),
	}
	if errorType := extractErrorType(err); errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	amqpTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRPCServerOutcome counts a processed RPC request as success, retry or failure.
func RecordRPCServerOutcome(ctx context.Context, queue, outcome string) {
	if getAMQPMeter() == nil || rpcServerResults == nil {
		return
	}
	rpcServerResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.String(attrMessagingRabbitMQQueue, queue),
		attribute.String(attrRPCOutcome, outcome),
	))
}

// RecordRPCClientReply counts a reply delivery; matched is false for unknown correlation ids.
func RecordRPCClientReply(ctx context.Context, matched bool) {
	if getAMQPMeter() == nil || rpcClientReplies == nil {
		return
	}
	rpcClientReplies.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.Bool(attrRPCMatched, matched),
	))
}

// RecordRPCClientResponse counts a response whose expected replies all arrived.
func RecordRPCClientResponse(ctx context.Context, replies int) {
	if getAMQPMeter() == nil || rpcClientResponses == nil {
		return
	}
	rpcClientResponses.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.Int("rpc.reply.count", replies),
	))
}

func recordLifecycleEvent(eventType string, err error, createCounter, closeCounter metric.Int64Counter) {
	if getAMQPMeter() == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
	}
	if errorType := extractErrorType(err); errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}

	ctx := context.Background()
	switch {
	case eventType == EventCreate && createCounter != nil:
		createCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case eventType == EventClose && closeCounter != nil:
		closeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordConnectionEvent records a connection lifecycle event, EventCreate or EventClose.
func RecordConnectionEvent(eventType string, err error) {
	getAMQPMeter()
	recordLifecycleEvent(eventType, err, amqpConnectionCreate, amqpConnectionClose)
}

// RecordChannelEvent records a channel lifecycle event, EventCreate or EventClose.
func RecordChannelEvent(eventType string, err error) {
	getAMQPMeter()
	recordLifecycleEvent(eventType, err, amqpChannelCreate, amqpChannelClose)
}
