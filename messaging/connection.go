package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gaborage/amqpkit/logger"
	"github.com/gaborage/amqpkit/messaging/internal/tracking"
)

const (
	// DefaultReconnectDelay is the pause between dial attempts.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultDialTimeout bounds the TCP handshake of the default dialer.
	DefaultDialTimeout = 30 * time.Second
)

// ConnectionOption configures a ConnectionOwner.
type ConnectionOption func(*ConnectionOwner)

// WithDialer replaces DefaultDialer.
func WithDialer(dial Dialer) ConnectionOption {
	return func(c *ConnectionOwner) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithReconnectDelay sets the pause between dial attempts.
func WithReconnectDelay(d time.Duration) ConnectionOption {
	return func(c *ConnectionOwner) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithChannelOpenRate limits how fast channels are opened on the connection. After a
// broker restart every owner asks for a channel at once; the limiter spreads those
// opens out. The default is unlimited.
func WithChannelOpenRate(limit rate.Limit, burst int) ConnectionOption {
	return func(c *ConnectionOwner) {
		if burst > 0 {
			c.opens = rate.NewLimiter(limit, burst)
		}
	}
}

// WithConnectionLogger sets the connection owner's logger.
func WithConnectionLogger(log logger.Logger) ConnectionOption {
	return func(c *ConnectionOwner) {
		if log != nil {
			c.log = log
		}
	}
}

// ConnectionOwner keeps one broker connection alive and opens channels on it for
// the owners it creates. It implements ChannelProvider.
type ConnectionOwner struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	opens          *rate.Limiter
	log            logger.Logger

	mu      sync.RWMutex
	conn    AMQPConnection
	owners  []interface{ Close() error }
	opening map[*ChannelOwner]struct{}

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewConnectionOwner starts dialing url in the background.
func NewConnectionOwner(url string, opts ...ConnectionOption) *ConnectionOwner {
	c := &ConnectionOwner{
		url:            url,
		dial:           DefaultDialer(DefaultDialTimeout),
		reconnectDelay: DefaultReconnectDelay,
		opens:          rate.NewLimiter(rate.Inf, 1),
		log:            logger.Nop(),
		opening:        make(map[*ChannelOwner]struct{}),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(map[string]any{"broker": redactAMQPURL(url)})

	go c.handleReconnect()
	return c
}

// IsConnected reports whether a broker connection is currently open.
func (c *ConnectionOwner) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// RequestChannel opens a channel in the background and hands it to receiver.
// Nothing happens while the connection is down, or while a channel for the same
// owner is still being opened.
func (c *ConnectionOwner) RequestChannel(ctx context.Context, receiver ChannelReceiver) {
	owner, _ := receiver.(*ChannelOwner)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	if owner != nil {
		if _, busy := c.opening[owner]; busy {
			c.mu.Unlock()
			return
		}
		c.opening[owner] = struct{}{}
	}
	c.mu.Unlock()

	go func() {
		if owner != nil {
			defer func() {
				c.mu.Lock()
				delete(c.opening, owner)
				c.mu.Unlock()
			}()
		}

		if err := c.opens.Wait(ctx); err != nil {
			return
		}
		ch, err := conn.Channel()
		if err != nil {
			c.log.Debug().Err(err).Msg("Failed to open channel")
			tracking.RecordChannelEvent(tracking.EventCreate, err)
			return
		}

		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-c.done:
			_ = ch.Close()
		default:
			receiver.ChannelAvailable(ch)
		}
	}()
}

// NewChannelOwner starts a ChannelOwner fed by this connection. It is closed with the connection.
func (c *ConnectionOwner) NewChannelOwner(init ChannelInitializer, opts ...Option) *ChannelOwner {
	return track(c, NewChannelOwner(c, init, opts...))
}

// NewConsumer starts a Consumer fed by this connection. It is closed with the connection.
func (c *ConnectionOwner) NewConsumer(bindings []Binding, listener DeliveryListener, opts ...Option) (*Consumer, error) {
	consumer, err := NewConsumer(c, bindings, listener, opts...)
	if err != nil {
		return nil, err
	}
	return track(c, consumer), nil
}

// NewRPCServer starts an RPCServer fed by this connection. It is closed with the connection.
func (c *ConnectionOwner) NewRPCServer(endpoint RPCEndpoint, processor Processor, opts ...Option) (*RPCServer, error) {
	server, err := NewRPCServer(c, endpoint, processor, opts...)
	if err != nil {
		return nil, err
	}
	return track(c, server), nil
}

// NewRPCClient starts an RPCClient fed by this connection. It is closed with the connection.
func (c *ConnectionOwner) NewRPCClient(opts ...Option) *RPCClient {
	return track(c, NewRPCClient(c, opts...))
}

func track[T interface{ Close() error }](c *ConnectionOwner, owner T) T {
	c.mu.Lock()
	c.owners = append(c.owners, owner)
	c.mu.Unlock()
	return owner
}

// Close stops reconnecting, closes every owner created through c, then the connection.
func (c *ConnectionOwner) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped

	c.mu.Lock()
	owners := c.owners
	c.owners = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var g errgroup.Group
	for _, owner := range owners {
		g.Go(owner.Close)
	}
	ownersErr := g.Wait()

	if conn == nil {
		return ownersErr
	}
	err := conn.Close()
	tracking.RecordConnectionEvent(tracking.EventClose, nil)
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return errors.Join(ownersErr, err)
	}
	c.log.Info().Msg("AMQP connection closed")
	return ownersErr
}

// handleReconnect dials until Close, waiting reconnectDelay after every failure or loss.
func (c *ConnectionOwner) handleReconnect() {
	defer close(c.stopped)

	for {
		c.log.Info().Msg("Attempting to connect to AMQP broker")

		conn, err := c.dial(c.url)
		tracking.RecordConnectionEvent(tracking.EventCreate, err)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("Failed to connect to AMQP broker")
			if !c.wait() {
				return
			}
			continue
		}

		closes := conn.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info().Msg("Connected to AMQP broker")

		select {
		case <-c.done:
			return
		case amqpErr := <-closes:
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()

			var cause error
			if amqpErr != nil {
				cause = amqpErr
			}
			c.log.Warn().Err(cause).Dur("retry_in", c.reconnectDelay).Msg("AMQP connection lost")
			tracking.RecordConnectionEvent(tracking.EventClose, cause)
		}

		if !c.wait() {
			return
		}
	}
}

func (c *ConnectionOwner) wait() bool {
	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()

	select {
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}
