package messaging

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerRequiresListener(t *testing.T) {
	c, err := NewConsumer(&fakeProvider{}, nil, nil)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNilListener)
}

func TestConsumerDeclaresBindingsInOrder(t *testing.T) {
	provider := &fakeProvider{}
	ch := newFakeChannel()
	ch.queueName = "amq.gen-1"
	provider.offer(ch)

	bindings := []Binding{
		{
			Queue:      QueueParameters{Name: "orders", Durable: true},
			Exchange:   ExchangeParameters{Name: "shop", Type: amqp.ExchangeTopic},
			RoutingKey: "order.*",
		},
		{
			Queue:   QueueParameters{Name: "direct"},
			AutoAck: true,
		},
		{
			Queue:      QueueParameters{},
			Exchange:   ExchangeParameters{Name: "events", Type: amqp.ExchangeFanout},
			RoutingKey: "",
		},
	}

	consumer, err := NewConsumer(provider, bindings, DeliveryListenerFunc(func(Delivery) {}), testOptions()...)
	require.NoError(t, err)
	closeOwner(t, consumer)
	waitForState(t, consumer.ChannelOwner, StateConnected)

	s := ch.snapshot()
	assert.Equal(t, []string{"orders", "direct", ""}, s.queues)
	assert.Equal(t, []string{"shop", "events"}, s.exchanges, "default exchange is never declared")
	assert.Equal(t, []bindRecord{
		{queue: "orders", key: "order.*", exchange: "shop"},
		{queue: "amq.gen-1", key: "", exchange: "events"},
	}, s.binds)

	require.Len(t, s.consumes, 3)
	assert.Equal(t, "orders", s.consumes[0].queue)
	assert.False(t, s.consumes[0].autoAck)
	assert.Equal(t, "direct", s.consumes[1].queue)
	assert.True(t, s.consumes[1].autoAck)
	assert.Equal(t, "amq.gen-1", s.consumes[2].queue)
}

func TestConsumerForwardsDeliveriesInOrder(t *testing.T) {
	provider := &fakeProvider{}
	ch := newFakeChannel()
	provider.offer(ch)

	received := make(chan Delivery, 8)
	consumer, err := NewConsumer(provider,
		[]Binding{{Queue: QueueParameters{Name: testQueue}}},
		DeliveryListenerFunc(func(d Delivery) { received <- d }),
		testOptions()...)
	require.NoError(t, err)
	closeOwner(t, consumer)
	require.Eventually(t, func() bool { return ch.consumerCount() == 1 }, eventually, tick)

	for tag := uint64(1); tag <= 3; tag++ {
		ch.deliver(t, 0, amqp.Delivery{
			DeliveryTag:   tag,
			Redelivered:   tag == 2,
			Exchange:      "",
			RoutingKey:    testQueue,
			CorrelationId: "corr",
			Body:          []byte{byte(tag)},
		})
	}

	for tag := uint64(1); tag <= 3; tag++ {
		select {
		case d := <-received:
			assert.Equal(t, tag, d.Envelope.DeliveryTag)
			assert.Equal(t, tag == 2, d.Envelope.Redelivered)
			assert.Equal(t, testQueue, d.Envelope.RoutingKey)
			assert.Equal(t, "corr", d.Properties.CorrelationID)
			assert.Equal(t, []byte{byte(tag)}, d.Body)
		case <-time.After(eventually):
			t.Fatalf("delivery %d not forwarded", tag)
		}
	}

	assert.Empty(t, ch.snapshot().acks, "consumer never acks on its own")
}

func TestConsumerListenerCanAckSynchronously(t *testing.T) {
	provider := &fakeProvider{}
	ch := newFakeChannel()
	provider.offer(ch)

	var consumer *Consumer
	acked := make(chan error, 1)
	ready := make(chan struct{})
	consumer, err := NewConsumer(provider,
		[]Binding{{Queue: QueueParameters{Name: testQueue}}},
		DeliveryListenerFunc(func(d Delivery) {
			<-ready
			acked <- consumer.Ack(context.Background(), d.Envelope.DeliveryTag)
		}),
		testOptions()...)
	require.NoError(t, err)
	close(ready)
	closeOwner(t, consumer)
	require.Eventually(t, func() bool { return ch.consumerCount() == 1 }, eventually, tick)

	ch.deliver(t, 0, amqp.Delivery{DeliveryTag: 42})

	select {
	case err := <-acked:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("ack from listener deadlocked")
	}
	assert.Equal(t, []uint64{42}, ch.snapshot().acks)
}

func TestConsumerRedeclaresOnReconnect(t *testing.T) {
	provider := &fakeProvider{}
	first := newFakeChannel()
	provider.offer(first)

	consumer, err := NewConsumer(provider,
		[]Binding{{Queue: QueueParameters{Name: testQueue}, Exchange: ExchangeParameters{Name: testExchange, Type: amqp.ExchangeDirect}, RoutingKey: testRoutingKey}},
		DeliveryListenerFunc(func(Delivery) {}),
		testOptions()...)
	require.NoError(t, err)
	closeOwner(t, consumer)
	waitForState(t, consumer.ChannelOwner, StateConnected)

	first.breakWith(&amqp.Error{Code: amqp.ConnectionForced, Reason: "restart"})
	waitForState(t, consumer.ChannelOwner, StateDisconnected)

	second := newFakeChannel()
	provider.offer(second)
	waitForState(t, consumer.ChannelOwner, StateConnected)

	s := second.snapshot()
	assert.Equal(t, []string{testQueue}, s.queues)
	assert.Equal(t, []string{testExchange}, s.exchanges)
	assert.Len(t, s.binds, 1)
	assert.Len(t, s.consumes, 1)
}

func TestConsumerBindingFailureRetries(t *testing.T) {
	provider := &fakeProvider{}
	bad := newFakeChannel()
	bad.consumeErr = errBroker
	good := newFakeChannel()
	provider.offer(bad, good)

	consumer, err := NewConsumer(provider,
		[]Binding{{Queue: QueueParameters{Name: testQueue}}},
		DeliveryListenerFunc(func(Delivery) {}),
		testOptions()...)
	require.NoError(t, err)
	closeOwner(t, consumer)

	waitForState(t, consumer.ChannelOwner, StateConnected)
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, good.consumerCount())
}
