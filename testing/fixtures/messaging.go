// Package fixtures builds broker deliveries for tests.
package fixtures

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// DeliveryOption adjusts a delivery built by NewDelivery.
type DeliveryOption func(*amqp.Delivery)

// NewDelivery returns a plain-text delivery with tag 1 routed through exchange with key.
func NewDelivery(exchange, routingKey string, body []byte, opts ...DeliveryOption) amqp.Delivery {
	d := amqp.Delivery{
		DeliveryTag: 1,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		ContentType: ContentTypeText,
		Timestamp:   time.Now(),
		Headers:     amqp.Table{},
		Body:        body,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// NewJSONDelivery marshals v as the body. It panics if v cannot be marshaled.
func NewJSONDelivery(exchange, routingKey string, v any, opts ...DeliveryOption) amqp.Delivery {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	opts = append([]DeliveryOption{WithContentType(ContentTypeJSON)}, opts...)
	return NewDelivery(exchange, routingKey, body, opts...)
}

// NewRequest returns an RPC request delivered from the default exchange.
func NewRequest(queue string, body []byte, replyTo, correlationID string, opts ...DeliveryOption) amqp.Delivery {
	opts = append([]DeliveryOption{WithReplyTo(replyTo, correlationID)}, opts...)
	return NewDelivery("", queue, body, opts...)
}

func WithTag(tag uint64) DeliveryOption {
	return func(d *amqp.Delivery) { d.DeliveryTag = tag }
}

// Redelivered marks the delivery as previously rejected.
func Redelivered() DeliveryOption {
	return func(d *amqp.Delivery) { d.Redelivered = true }
}

func WithContentType(contentType string) DeliveryOption {
	return func(d *amqp.Delivery) { d.ContentType = contentType }
}

func WithReplyTo(replyTo, correlationID string) DeliveryOption {
	return func(d *amqp.Delivery) {
		d.ReplyTo = replyTo
		d.CorrelationId = correlationID
	}
}

func WithHeader(key string, value any) DeliveryOption {
	return func(d *amqp.Delivery) {
		if d.Headers == nil {
			d.Headers = amqp.Table{}
		}
		d.Headers[key] = value
	}
}
