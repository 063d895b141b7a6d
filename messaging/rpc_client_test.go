package messaging

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRPCClient(t *testing.T) (*RPCClient, *fakeChannel) {
	t.Helper()
	provider := &fakeProvider{}
	ch := newFakeChannel()
	ch.queueName = testReplyQueue
	provider.offer(ch)

	client := NewRPCClient(provider, testOptions()...)
	closeOwner(t, client)
	require.Eventually(t, func() bool { return ch.consumerCount() == 1 }, eventually, tick)
	waitForState(t, client.ChannelOwner, StateConnected)
	return client, ch
}

func reply(tag uint64, correlationID, body string) amqp.Delivery {
	return amqp.Delivery{DeliveryTag: tag, CorrelationId: correlationID, Body: []byte(body)}
}

func TestRPCClientDeclaresPrivateReplyQueue(t *testing.T) {
	_, ch := startRPCClient(t)

	s := ch.snapshot()
	assert.Equal(t, []string{""}, s.queues, "reply queue is server-named")
	require.Len(t, s.consumes, 1)
	assert.Equal(t, testReplyQueue, s.consumes[0].queue)
	assert.False(t, s.consumes[0].autoAck)
}

func TestRPCClientRequestStampsPublishes(t *testing.T) {
	client, ch := startRPCClient(t)
	ctx := context.Background()

	_, err := client.Request(ctx, []Publish{
		{Exchange: testExchange, RoutingKey: "a"},
		{Exchange: testExchange, RoutingKey: "b", Properties: Properties{MessageID: "fixed"}},
	}, 2)
	require.NoError(t, err)
	_, err = client.Request(ctx, []Publish{{RoutingKey: "c"}}, 1)
	require.NoError(t, err)

	s := ch.snapshot()
	require.Len(t, s.publishes, 3)
	assert.Equal(t, "1", s.publishes[0].msg.CorrelationId)
	assert.Equal(t, "1", s.publishes[1].msg.CorrelationId)
	assert.Equal(t, "2", s.publishes[2].msg.CorrelationId)
	for _, p := range s.publishes {
		assert.Equal(t, testReplyQueue, p.msg.ReplyTo)
		assert.NotEmpty(t, p.msg.MessageId)
	}
	assert.Equal(t, "fixed", s.publishes[1].msg.MessageId)

	pending, err := client.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestRPCClientCollectsExpectedReplies(t *testing.T) {
	client, ch := startRPCClient(t)

	responses, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}, {RoutingKey: "b"}}, 2)
	require.NoError(t, err)
	require.NotNil(t, responses)

	ch.deliver(t, 0, reply(1, "1", "first"))
	require.Eventually(t, func() bool { return len(ch.snapshot().acks) == 1 }, eventually, tick)

	var accumulated int
	require.NoError(t, client.submit(context.Background(), func() {
		if result, ok := client.pending["1"]; ok {
			accumulated = len(result.deliveries)
		}
	}))
	assert.Equal(t, 1, accumulated, "first reply is held until the second arrives")
	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	select {
	case <-responses:
		t.Fatal("response sent before all replies arrived")
	default:
	}

	ch.deliver(t, 0, reply(2, "1", "second"))

	select {
	case resp := <-responses:
		require.Len(t, resp.Deliveries, 2)
		assert.Equal(t, []byte("first"), resp.Deliveries[0].Body)
		assert.Equal(t, []byte("second"), resp.Deliveries[1].Body)
	case <-time.After(eventually):
		t.Fatal("response not delivered")
	}

	require.Eventually(t, func() bool {
		n, err := client.Pending(context.Background())
		return err == nil && n == 0
	}, eventually, tick)
	assert.Equal(t, []uint64{1, 2}, ch.snapshot().acks)
}

func TestRPCClientDropsUnknownCorrelation(t *testing.T) {
	client, ch := startRPCClient(t)

	responses, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, 1)
	require.NoError(t, err)

	ch.deliver(t, 0, reply(1, "999", "stray"))
	require.Eventually(t, func() bool { return len(ch.snapshot().acks) == 1 }, eventually, tick, "unknown replies are acked")

	select {
	case <-responses:
		t.Fatal("stray reply must not complete a request")
	default:
	}

	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRPCClientFireAndForget(t *testing.T) {
	client, ch := startRPCClient(t)

	responses, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, 0)
	require.NoError(t, err)
	assert.Nil(t, responses)
	assert.Equal(t, 1, ch.publishCount())

	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	resp, err := client.Call(context.Background(), []Publish{{RoutingKey: "a"}}, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Deliveries)
}

func TestRPCClientRejectsNegativeReplyCount(t *testing.T) {
	client, ch := startRPCClient(t)

	_, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, -1)
	assert.ErrorIs(t, err, ErrInvalidReplyCount)
	assert.Zero(t, ch.publishCount())
}

func TestRPCClientRequestWhileDisconnected(t *testing.T) {
	client := NewRPCClient(&fakeProvider{}, testOptions()...)
	closeOwner(t, client)

	_, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRPCClientPublishFailureIsNotTracked(t *testing.T) {
	client, ch := startRPCClient(t)
	ch.mu.Lock()
	ch.publishErr = errBroker
	ch.mu.Unlock()

	_, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, 1)
	require.ErrorIs(t, err, errBroker)

	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRPCClientCall(t *testing.T) {
	client, ch := startRPCClient(t)

	replies := ch.snapshot().consumes[0].ch
	go func() {
		for ch.publishCount() == 0 {
			time.Sleep(tick)
		}
		replies <- reply(1, "1", "pong")
	}()

	resp, err := client.Call(context.Background(), []Publish{{RoutingKey: "a", Body: []byte("ping")}}, 1)
	require.NoError(t, err)
	require.Len(t, resp.Deliveries, 1)
	assert.Equal(t, []byte("pong"), resp.Deliveries[0].Body)
}

func TestRPCClientCallTimeoutForgetsRequest(t *testing.T) {
	client, _ := startRPCClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, []Publish{{RoutingKey: "a"}}, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		n, err := client.Pending(context.Background())
		return err == nil && n == 0
	}, eventually, tick)
}

func TestRPCClientReconnectClearsPending(t *testing.T) {
	provider := &fakeProvider{}
	first := newFakeChannel()
	first.queueName = "reply-1"
	provider.offer(first)

	client := NewRPCClient(provider, testOptions()...)
	closeOwner(t, client)
	waitForState(t, client.ChannelOwner, StateConnected)

	responses, err := client.Request(context.Background(), []Publish{{RoutingKey: "a"}}, 1)
	require.NoError(t, err)

	first.breakWith(nil)
	waitForState(t, client.ChannelOwner, StateDisconnected)

	second := newFakeChannel()
	second.queueName = "reply-2"
	provider.offer(second)
	waitForState(t, client.ChannelOwner, StateConnected)

	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = client.Request(context.Background(), []Publish{{RoutingKey: "b"}}, 0)
	require.NoError(t, err)
	s := second.snapshot()
	require.Len(t, s.publishes, 1)
	assert.Equal(t, "reply-2", s.publishes[0].msg.ReplyTo)
	assert.Equal(t, "2", s.publishes[0].msg.CorrelationId, "counter survives reconnects")

	select {
	case <-responses:
		t.Fatal("pending callers are not notified on reconnect")
	default:
	}
}

func TestRPCClientCallCancelledMidPublishForgetsRequest(t *testing.T) {
	client, ch := startRPCClient(t)
	gate := make(chan struct{})
	ch.mu.Lock()
	ch.publishGate = gate
	ch.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, []Publish{{RoutingKey: "a"}}, 1)
		errs <- err
	}()

	require.Eventually(t, func() bool { return ch.blockedPublishes() == 1 }, eventually, tick)
	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(eventually):
		t.Fatal("Call did not return after cancellation")
	}

	// The publish completes after the caller gave up and the entry is stored.
	close(gate)
	require.Eventually(t, func() bool {
		n, err := client.Pending(context.Background())
		return err == nil && n == 0
	}, eventually, tick)
	assert.Equal(t, 1, ch.publishCount())
}
