// Package messaging keeps AMQP channels alive across broker failures and builds
// consumers and RPC endpoints on top of them.
//
// Every ChannelOwner runs one goroutine that owns its channel. Callbacks from the
// broker client (channel close, returned publishes, deliveries) are forwarded to that
// goroutine, so owner state is never shared. An owner is Disconnected until its
// ChannelProvider hands it a channel and initialization succeeds. While Disconnected
// it asks the provider for a new channel every retry interval.
package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the connectivity of a ChannelOwner.
type State int

const (
	// StateDisconnected means the owner holds no channel and is retrying.
	StateDisconnected State = iota
	// StateConnected means the owner holds an initialized channel.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChannelParameters configures QoS on every new channel.
type ChannelParameters struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

// QueueParameters describes a queue declaration. An empty Name lets the broker pick one.
type QueueParameters struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       amqp.Table
}

// ExchangeParameters describes an exchange declaration. An empty Name is the
// default exchange, which is never declared.
type ExchangeParameters struct {
	Name       string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

// IsDefault reports whether the parameters refer to the broker's default exchange.
func (e ExchangeParameters) IsDefault() bool {
	return e.Name == ""
}

// Binding connects a queue to an exchange and starts a consumer on it.
type Binding struct {
	Queue      QueueParameters
	Exchange   ExchangeParameters
	RoutingKey string
	AutoAck    bool
}

// Queue is the broker's answer to a queue declaration.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Properties are the AMQP basic properties of a message.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Publish is a single outgoing message.
type Publish struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Mandatory  bool
	Immediate  bool
	Properties Properties
}

// Transaction is a batch of publishes committed atomically.
type Transaction struct {
	Publishes []Publish
}

// Envelope is the routing information of a delivery.
type Envelope struct {
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// Delivery is a message received from a queue.
type Delivery struct {
	ConsumerTag string
	Envelope    Envelope
	Properties  Properties
	Body        []byte
}

// Return is a mandatory or immediate publish the broker could not route.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// Response is the set of replies collected for one RPC request, in arrival order.
type Response struct {
	Deliveries []Delivery
}

func (p Publish) publishing() amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range p.Properties.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     p.Properties.ContentType,
		ContentEncoding: p.Properties.ContentEncoding,
		DeliveryMode:    p.Properties.DeliveryMode,
		Priority:        p.Properties.Priority,
		CorrelationId:   p.Properties.CorrelationID,
		ReplyTo:         p.Properties.ReplyTo,
		Expiration:      p.Properties.Expiration,
		MessageId:       p.Properties.MessageID,
		Timestamp:       p.Properties.Timestamp,
		Type:            p.Properties.Type,
		UserId:          p.Properties.UserID,
		AppId:           p.Properties.AppID,
		Body:            p.Body,
	}
}

func newDelivery(d *amqp.Delivery) Delivery {
	return Delivery{
		ConsumerTag: d.ConsumerTag,
		Envelope: Envelope{
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
		},
		Properties: Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         d.Headers,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		Body: d.Body,
	}
}

func newReturn(r *amqp.Return) Return {
	return Return{
		ReplyCode:  r.ReplyCode,
		ReplyText:  r.ReplyText,
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
		Properties: Properties{
			ContentType:     r.ContentType,
			ContentEncoding: r.ContentEncoding,
			Headers:         r.Headers,
			DeliveryMode:    r.DeliveryMode,
			Priority:        r.Priority,
			CorrelationID:   r.CorrelationId,
			ReplyTo:         r.ReplyTo,
			Expiration:      r.Expiration,
			MessageID:       r.MessageId,
			Timestamp:       r.Timestamp,
			Type:            r.Type,
			UserID:          r.UserId,
			AppID:           r.AppId,
		},
		Body: r.Body,
	}
}
