package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the owners use. Tests substitute fakes.
type AMQPChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Tx() error
	TxCommit() error
	TxRollback() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Close() error
}

// AMQPConnection is the subset of *amqp.Connection the ConnectionOwner uses.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ChannelReceiver accepts channels handed out by a ChannelProvider.
type ChannelReceiver interface {
	ChannelAvailable(ch AMQPChannel)
}

// ChannelProvider opens channels on request. RequestChannel must not block; the
// channel, if any, is delivered later through the receiver. A provider that cannot
// serve the request stays silent and the owner asks again.
type ChannelProvider interface {
	RequestChannel(ctx context.Context, receiver ChannelReceiver)
}

// Dialer opens a broker connection.
type Dialer func(url string) (AMQPConnection, error)

var _ AMQPChannel = (*amqp.Channel)(nil)

type realConnection struct{ c *amqp.Connection }

func (r realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return r.c.NotifyClose(c) }
func (r realConnection) Close() error                                    { return r.c.Close() }

// DefaultDialer dials with amqp091-go, bounding the TCP handshake by timeout.
func DefaultDialer(timeout time.Duration) Dialer {
	return func(url string) (AMQPConnection, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(timeout),
		})
		if err != nil {
			return nil, err
		}
		return realConnection{c: conn}, nil
	}
}
