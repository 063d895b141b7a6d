package mocks

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/gaborage/amqpkit/messaging"
)

// MockAMQPChannel is a testify mock of messaging.AMQPChannel. Close notifications
// are kept so a test can sever the channel with Break.
//
//	ch := mocks.NewMockAMQPChannel()
//	ch.ExpectSetup()
//	ch.On("PublishWithContext", mock.Anything, "orders", "created", false, false, mock.Anything).Return(nil)
type MockAMQPChannel struct {
	mock.Mock

	mu          sync.Mutex
	notifyClose  []chan *amqp.Error
	notifyReturn []chan amqp.Return
	broken       bool
}

var _ messaging.AMQPChannel = (*MockAMQPChannel)(nil)

// NewMockAMQPChannel creates an empty mock.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{}
}

// ExpectSetup allows the calls every owner makes on a fresh channel.
func (m *MockAMQPChannel) ExpectSetup() *MockAMQPChannel {
	m.On("Qos", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()
	return m
}

// Break delivers err to every close listener, as the broker does on a channel exception.
func (m *MockAMQPChannel) Break(err *amqp.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return
	}
	m.broken = true
	for _, c := range m.notifyClose {
		if err != nil {
			c <- err
		}
		close(c)
	}
	for _, c := range m.notifyReturn {
		close(c)
	}
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

//nolint:gocritic // signature must match messaging.AMQPChannel
func (m *MockAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *MockAMQPChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *MockAMQPChannel) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *MockAMQPChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	arguments := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return queueResult(arguments)
}

func (m *MockAMQPChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	arguments := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return queueResult(arguments)
}

func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	arguments := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if err := arguments.Error(1); err != nil {
		return nil, err
	}
	switch ch := arguments.Get(0).(type) {
	case chan amqp.Delivery:
		return ch, nil
	case <-chan amqp.Delivery:
		return ch, nil
	default:
		return nil, nil
	}
}

func (m *MockAMQPChannel) Tx() error {
	return m.Called().Error(0)
}

func (m *MockAMQPChannel) TxCommit() error {
	return m.Called().Error(0)
}

func (m *MockAMQPChannel) TxRollback() error {
	return m.Called().Error(0)
}

// NotifyClose records c for Break. It is not a mocked call.
func (m *MockAMQPChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		close(c)
		return c
	}
	m.notifyClose = append(m.notifyClose, c)
	return c
}

// NotifyReturn is not a mocked call. The mock never produces returns.
func (m *MockAMQPChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		close(c)
		return c
	}
	m.notifyReturn = append(m.notifyReturn, c)
	return c
}

func (m *MockAMQPChannel) Close() error {
	err := m.Called().Error(0)
	m.Break(nil)
	return err
}

func queueResult(arguments mock.Arguments) (amqp.Queue, error) {
	q, _ := arguments.Get(0).(amqp.Queue)
	return q, arguments.Error(1)
}

// MockChannelProvider is a testify mock of messaging.ChannelProvider. Channels queued
// with Offer are handed to receivers asynchronously, one per request.
type MockChannelProvider struct {
	mock.Mock

	mu       sync.Mutex
	channels []messaging.AMQPChannel
	requests int
}

var _ messaging.ChannelProvider = (*MockChannelProvider)(nil)

// NewMockChannelProvider creates a provider that accepts any request.
func NewMockChannelProvider() *MockChannelProvider {
	p := &MockChannelProvider{}
	p.On("RequestChannel", mock.Anything, mock.Anything).Return()
	return p
}

// Offer queues channels for future requests.
func (p *MockChannelProvider) Offer(channels ...messaging.AMQPChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channels...)
}

func (p *MockChannelProvider) RequestChannel(ctx context.Context, receiver messaging.ChannelReceiver) {
	p.Called(ctx, receiver)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if len(p.channels) == 0 {
		return
	}
	ch := p.channels[0]
	p.channels = p.channels[1:]
	go receiver.ChannelAvailable(ch)
}

// Requests returns how many channels have been requested so far.
func (p *MockChannelProvider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}
