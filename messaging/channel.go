package messaging

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gaborage/amqpkit/messaging/internal/tracking"
)

// Channel is an owner's channel as seen from the owner's goroutine. It is passed to
// ChannelInitializer.InitChannel and to handlers registered with Consume, and must
// not be retained or used from other goroutines.
type Channel struct {
	owner *ChannelOwner
	ch    AMQPChannel
	gen   uint64
}

// DeclareExchange declares an exchange. The default exchange is a no-op.
func (c *Channel) DeclareExchange(params ExchangeParameters) error {
	return declareExchange(c.ch, params)
}

// DeclareQueue declares a queue and returns the broker's view of it.
func (c *Channel) DeclareQueue(params QueueParameters) (Queue, error) {
	return declareQueue(c.ch, params)
}

// QueueBind binds queue to exchange with routingKey.
func (c *Channel) QueueBind(queue, exchange, routingKey string) error {
	return bindQueue(c.ch, queue, exchange, routingKey)
}

// Publish sends one message.
func (c *Channel) Publish(ctx context.Context, p Publish) error {
	return c.owner.publish(ctx, c.ch, p)
}

// Ack acknowledges a single delivery.
func (c *Channel) Ack(deliveryTag uint64) error {
	return c.owner.ack(c.ch, deliveryTag)
}

// Reject rejects a single delivery.
func (c *Channel) Reject(deliveryTag uint64, requeue bool) error {
	return c.owner.reject(c.ch, deliveryTag, requeue)
}

// Consume starts a consumer whose deliveries are handled on the owner's goroutine.
// Deliveries that arrive after the channel was replaced are dropped.
func (c *Channel) Consume(queue string, autoAck bool, handler func(*Channel, Delivery)) error {
	deliveries, err := c.startConsumer(queue, autoAck)
	if err != nil {
		return err
	}
	go c.owner.forwardDeliveries(c, queue, deliveries, handler)
	return nil
}

// Subscribe starts a consumer whose deliveries are handed to handler on the
// channel's delivery goroutine, in arrival order. The handler may call the owner's
// blocking commands such as Ack.
func (c *Channel) Subscribe(queue string, autoAck bool, handler func(Delivery)) error {
	deliveries, err := c.startConsumer(queue, autoAck)
	if err != nil {
		return err
	}
	go c.owner.dispatchDeliveries(queue, deliveries, handler)
	return nil
}

func (c *Channel) startConsumer(queue string, autoAck bool) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from queue %s: %w", queue, err)
	}
	c.owner.log.Info().Str("queue", queue).Bool("auto_ack", autoAck).Msg("Consumer started")
	return deliveries, nil
}

func (o *ChannelOwner) forwardDeliveries(c *Channel, queue string, deliveries <-chan amqp.Delivery, handler func(*Channel, Delivery)) {
	for d := range deliveries {
		delivery := newDelivery(&d)
		posted := o.post(func() {
			if c.gen != o.generation || o.state != StateConnected {
				o.log.Debug().Uint64("delivery_tag", delivery.Envelope.DeliveryTag).Msg("Dropping delivery from superseded channel")
				return
			}
			start := time.Now()
			handler(c, delivery)
			tracking.RecordAMQPConsumeMetrics(o.ctx, delivery.Envelope.Exchange, delivery.Envelope.RoutingKey, queue, time.Since(start), nil)
		})
		if !posted {
			break
		}
	}
	for range deliveries {
	}
}

func (o *ChannelOwner) dispatchDeliveries(queue string, deliveries <-chan amqp.Delivery, handler func(Delivery)) {
	for d := range deliveries {
		if o.ctx.Err() != nil {
			continue
		}
		start := time.Now()
		handler(newDelivery(&d))
		tracking.RecordAMQPConsumeMetrics(o.ctx, d.Exchange, d.RoutingKey, queue, time.Since(start), nil)
	}
}

func declareExchange(ch AMQPChannel, p ExchangeParameters) error {
	if p.IsDefault() {
		return nil
	}

	declare := ch.ExchangeDeclare
	if p.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	if err := declare(p.Name, p.Type, p.Durable, p.AutoDelete, p.Internal, false, p.Args); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.Name, err)
	}
	return nil
}

func declareQueue(ch AMQPChannel, p QueueParameters) (Queue, error) {
	declare := ch.QueueDeclare
	if p.Passive {
		declare = ch.QueueDeclarePassive
	}
	q, err := declare(p.Name, p.Durable, p.AutoDelete, p.Exclusive, false, p.Args)
	if err != nil {
		return Queue{}, fmt.Errorf("failed to declare queue %q: %w", p.Name, err)
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func bindQueue(ch AMQPChannel, queue, exchange, routingKey string) error {
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to exchange %s with key %s: %w", queue, exchange, routingKey, err)
	}
	return nil
}

func (o *ChannelOwner) ack(ch AMQPChannel, deliveryTag uint64) error {
	if err := ch.Ack(deliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", deliveryTag, err)
	}
	return o.commitIfTx(ch, "ack")
}

func (o *ChannelOwner) reject(ch AMQPChannel, deliveryTag uint64, requeue bool) error {
	if err := ch.Reject(deliveryTag, requeue); err != nil {
		return fmt.Errorf("failed to reject delivery %d: %w", deliveryTag, err)
	}
	return o.commitIfTx(ch, "reject")
}
