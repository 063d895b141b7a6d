package messaging

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gaborage/amqpkit/logger"
	"github.com/gaborage/amqpkit/messaging/internal/tracking"
	"github.com/gaborage/amqpkit/trace"
)

const (
	messagingTracerName     = "github.com/gaborage/amqpkit/messaging"
	messagingSystemRabbitMQ = "rabbitmq"
	operationPublish        = "publish"
	operationProcess        = "process"
)

// amqpHeaderAccessor exposes an amqp.Table to the trace package.
type amqpHeaderAccessor struct {
	headers amqp.Table
}

func (a amqpHeaderAccessor) Get(key string) any {
	return a.headers[key]
}

func (a amqpHeaderAccessor) Set(key string, value any) {
	a.headers[key] = value
}

func (a amqpHeaderAccessor) Keys() []string {
	keys := make([]string, 0, len(a.headers))
	for k := range a.headers {
		keys = append(keys, k)
	}
	return keys
}

// publish sends p on ch. A channel left in transaction mode commits every publish.
func (o *ChannelOwner) publish(ctx context.Context, ch AMQPChannel, p Publish) error {
	if err := publishMessage(ctx, ch, p); err != nil {
		return err
	}
	return o.commitIfTx(ch, "publish")
}

// commitIfTx commits a single publish, ack or reject once the channel is in
// transaction mode. The broker holds all three back until the next commit.
func (o *ChannelOwner) commitIfTx(ch AMQPChannel, op string) error {
	if !o.txMode {
		return nil
	}
	if err := ch.TxCommit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}
	return nil
}

func (o *ChannelOwner) runTransaction(ctx context.Context, ch AMQPChannel, tx Transaction) (err error) {
	defer func() {
		tracking.RecordTransaction(ctx, len(tx.Publishes), err)
	}()

	if !o.txMode {
		if err := ch.Tx(); err != nil {
			return fmt.Errorf("failed to select transaction mode: %w", err)
		}
		o.txMode = true
	}

	for i := range tx.Publishes {
		if err := publishMessage(ctx, ch, tx.Publishes[i]); err != nil {
			o.rollback(ch)
			return fmt.Errorf("transaction publish %d of %d: %w", i+1, len(tx.Publishes), err)
		}
	}

	if err := ch.TxCommit(); err != nil {
		o.rollback(ch)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (o *ChannelOwner) rollback(ch AMQPChannel) {
	if err := ch.TxRollback(); err != nil {
		o.log.Error().Err(err).Msg("Failed to roll back transaction")
	}
}

func publishMessage(ctx context.Context, ch AMQPChannel, p Publish) error {
	start := time.Now()
	ctx, span := startPublishSpan(ctx, p, start)
	defer span.End()

	msg := p.publishing()
	trace.InjectIntoHeaders(ctx, amqpHeaderAccessor{headers: msg.Headers})

	err := ch.PublishWithContext(ctx, p.Exchange, p.RoutingKey, p.Mandatory, p.Immediate, msg)
	elapsed := time.Since(start)
	tracking.RecordAMQPPublishMetrics(ctx, p.Exchange, p.RoutingKey, elapsed, err)
	logger.IncrementAMQPCounter(ctx)
	logger.AddAMQPElapsed(ctx, elapsed.Nanoseconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish to exchange %q with routing key %q: %w", p.Exchange, p.RoutingKey, err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func startPublishSpan(ctx context.Context, p Publish, start time.Time) (context.Context, oteltrace.Span) {
	destination := p.Exchange
	if destination == "" {
		destination = p.RoutingKey
	}

	ctx, span := otel.Tracer(messagingTracerName).Start(ctx, destination+" "+operationPublish,
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithTimestamp(start),
	)

	attrs := []attribute.KeyValue{
		attribute.String(string(semconv.MessagingSystemKey), messagingSystemRabbitMQ),
		semconv.MessagingOperationName(operationPublish),
		semconv.MessagingDestinationName(destination),
		semconv.MessagingMessageBodySize(len(p.Body)),
	}
	attrs = append(attrs, routingAttributes(p.Exchange, p.RoutingKey, p.Properties)...)
	span.SetAttributes(attrs...)
	return ctx, span
}

// StartConsumeSpan continues the trace carried in d's headers with a consumer span
// named after queue. The caller ends the span.
func StartConsumeSpan(ctx context.Context, d Delivery, queue string) (context.Context, oteltrace.Span) {
	if d.Properties.Headers != nil {
		ctx = trace.ExtractFromHeaders(ctx, amqpHeaderAccessor{headers: d.Properties.Headers})
	}

	ctx, span := otel.Tracer(messagingTracerName).Start(ctx, queue+" "+operationProcess,
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
	)

	attrs := []attribute.KeyValue{
		attribute.String(string(semconv.MessagingSystemKey), messagingSystemRabbitMQ),
		semconv.MessagingOperationName(operationProcess),
		semconv.MessagingDestinationName(queue),
		semconv.MessagingMessageBodySize(len(d.Body)),
	}
	attrs = append(attrs, routingAttributes(d.Envelope.Exchange, d.Envelope.RoutingKey, d.Properties)...)
	span.SetAttributes(attrs...)
	return ctx, span
}

func routingAttributes(exchange, routingKey string, props Properties) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if exchange != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.exchange", exchange))
	}
	if routingKey != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.routing_key", routingKey))
	}
	if props.MessageID != "" {
		attrs = append(attrs, semconv.MessagingMessageID(props.MessageID))
	}
	if props.CorrelationID != "" {
		attrs = append(attrs, semconv.MessagingMessageConversationID(props.CorrelationID))
	}
	return attrs
}
