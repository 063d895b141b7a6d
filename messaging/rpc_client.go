package messaging

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/gaborage/amqpkit/messaging/internal/tracking"
)

// rpcResult collects replies for one request until expected have arrived.
type rpcResult struct {
	reply      chan Response
	expected   int
	deliveries []Delivery
}

// RPCClient publishes requests and collects a fixed number of replies per request,
// matched by correlation id on a private reply queue. Requests still pending when
// the channel is replaced are forgotten and their callers never receive a response.
type RPCClient struct {
	*ChannelOwner

	// Owned by the event loop.
	counter    uint64
	pending    map[string]*rpcResult
	replyQueue string
}

// NewRPCClient starts a client.
func NewRPCClient(provider ChannelProvider, opts ...Option) *RPCClient {
	c := &RPCClient{pending: make(map[string]*rpcResult)}
	c.ChannelOwner = newChannelOwner(provider, ChannelInitializerFunc(c.initChannel), opts)
	c.start()
	return c
}

func (c *RPCClient) initChannel(_ context.Context, ch *Channel) error {
	q, err := ch.DeclareQueue(QueueParameters{Exclusive: true, AutoDelete: true})
	if err != nil {
		return err
	}
	if err := ch.Consume(q.Name, false, c.handleReply); err != nil {
		return err
	}

	if len(c.pending) > 0 {
		c.log.Warn().Int("pending", len(c.pending)).Msg("Discarding requests pending on previous channel")
	}
	clear(c.pending)
	c.replyQueue = q.Name
	return nil
}

// Request publishes every message in publishes under one correlation id and returns
// a channel that receives exactly one Response once expected replies arrived.
// With expected == 0 nothing is tracked and the returned channel is nil.
func (c *RPCClient) Request(ctx context.Context, publishes []Publish, expected int) (<-chan Response, error) {
	reply, _, err := c.request(ctx, publishes, expected)
	if err != nil || reply == nil {
		return nil, err
	}
	return reply, nil
}

// Call is Request followed by waiting for the response. ctx bounds the wait; a
// cancelled call stops tracking its correlation id.
func (c *RPCClient) Call(ctx context.Context, publishes []Publish, expected int) (Response, error) {
	reply, id, err := c.request(ctx, publishes, expected)
	if err != nil || reply == nil {
		return Response{}, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return Response{}, ctx.Err()
	}
}

// Pending returns the number of requests still waiting for replies.
func (c *RPCClient) Pending(ctx context.Context) (int, error) {
	var n int
	err := c.submit(ctx, func() { n = len(c.pending) })
	return n, err
}

func (c *RPCClient) request(ctx context.Context, publishes []Publish, expected int) (chan Response, string, error) {
	if expected < 0 {
		return nil, "", ErrInvalidReplyCount
	}

	var (
		reply chan Response
		id    string
	)
	if expected > 0 {
		reply = make(chan Response, 1)
	}

	err := c.execute(ctx, func(ch AMQPChannel) error {
		c.counter++
		id = strconv.FormatUint(c.counter, 10)

		for i := range publishes {
			p := publishes[i]
			p.Properties.CorrelationID = id
			p.Properties.ReplyTo = c.replyQueue
			if p.Properties.MessageID == "" {
				p.Properties.MessageID = uuid.New().String()
			}
			if err := c.publish(ctx, ch, p); err != nil {
				return err
			}
		}

		if expected > 0 {
			c.pending[id] = &rpcResult{reply: reply, expected: expected}
		}
		return nil
	})
	if err != nil {
		if expected > 0 && ctx.Err() != nil {
			// The request may have been stored after ctx ended. This event runs
			// after it on the loop, so it sees id if one was assigned.
			go c.post(func() {
				if id != "" {
					delete(c.pending, id)
				}
			})
		}
		return nil, "", err
	}
	return reply, id, nil
}

func (c *RPCClient) forget(id string) {
	c.post(func() { delete(c.pending, id) })
}

func (c *RPCClient) handleReply(ch *Channel, d Delivery) {
	if err := ch.Ack(d.Envelope.DeliveryTag); err != nil {
		c.log.Error().Err(err).Uint64("delivery_tag", d.Envelope.DeliveryTag).Msg("Failed to ack reply")
	}

	id := d.Properties.CorrelationID
	result, ok := c.pending[id]
	if !ok {
		c.log.Warn().Str("correlation_id", id).Msg("Dropping reply with unknown correlation id")
		tracking.RecordRPCClientReply(c.ctx, false)
		return
	}
	tracking.RecordRPCClientReply(c.ctx, true)

	result.deliveries = append(result.deliveries, d)
	if len(result.deliveries) == result.expected {
		result.reply <- Response{Deliveries: result.deliveries}
		delete(c.pending, id)
		tracking.RecordRPCClientResponse(c.ctx, result.expected)
	}
}
