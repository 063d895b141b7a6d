package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gaborage/amqpkit/logger"
	"github.com/gaborage/amqpkit/messaging/internal/tracking"
)

const returnBufferSize = 16

// ChannelInitializer prepares a freshly opened channel: declarations, bindings and
// consumers. A returned error closes the channel and keeps the owner disconnected.
type ChannelInitializer interface {
	InitChannel(ctx context.Context, ch *Channel) error
}

// ChannelInitializerFunc adapts a function to ChannelInitializer.
type ChannelInitializerFunc func(ctx context.Context, ch *Channel) error

// InitChannel calls f.
func (f ChannelInitializerFunc) InitChannel(ctx context.Context, ch *Channel) error {
	return f(ctx, ch)
}

// Status is a snapshot of an owner taken on its goroutine.
type Status struct {
	State State
	// RetryArmed is true while the owner periodically requests a channel.
	RetryArmed bool
}

// ChannelOwner keeps exactly one AMQP channel open on behalf of a specialization.
// All methods are safe for concurrent use.
type ChannelOwner struct {
	provider ChannelProvider
	init     ChannelInitializer
	opts     ownerOptions
	log      logger.Logger

	mailbox   chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the event loop.
	state      State
	channel    AMQPChannel
	generation uint64
	txMode     bool
	retry      *time.Ticker
}

// NewChannelOwner starts an owner that obtains channels from provider and prepares
// each one with init. A nil init leaves channels as opened.
func NewChannelOwner(provider ChannelProvider, init ChannelInitializer, opts ...Option) *ChannelOwner {
	o := newChannelOwner(provider, init, opts)
	o.start()
	return o
}

func newChannelOwner(provider ChannelProvider, init ChannelInitializer, opts []Option) *ChannelOwner {
	if init == nil {
		init = ChannelInitializerFunc(func(context.Context, *Channel) error { return nil })
	}
	options := applyOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())

	return &ChannelOwner{
		provider: provider,
		init:     init,
		opts:     options,
		log:      options.log.WithFields(map[string]any{"owner": options.name}),
		mailbox:  make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		state:    StateDisconnected,
	}
}

func (o *ChannelOwner) start() {
	go o.run()
}

func (o *ChannelOwner) run() {
	defer close(o.stopped)

	o.armRetry()
	for {
		select {
		case <-o.ctx.Done():
			o.shutdown()
			return
		case <-o.retryC():
			o.requestChannel()
		case event := <-o.mailbox:
			event()
		}
	}
}

// ChannelAvailable hands a channel to the owner. It implements ChannelReceiver and
// may be called from any goroutine.
func (o *ChannelOwner) ChannelAvailable(ch AMQPChannel) {
	if ch == nil {
		return
	}
	if !o.post(func() { o.handleChannel(ch) }) {
		o.closeChannel(ch)
	}
}

// Close stops the owner and closes its channel. It must not be called from a
// listener or handler running on the owner's goroutine.
func (o *ChannelOwner) Close() error {
	o.closeOnce.Do(o.cancel)
	<-o.stopped
	return nil
}

// Status reports the owner's state and whether the retry timer is armed.
func (o *ChannelOwner) Status(ctx context.Context) (Status, error) {
	var status Status
	err := o.submit(ctx, func() {
		status = Status{State: o.state, RetryArmed: o.retry != nil}
	})
	return status, err
}

// Publish sends one message on the owned channel.
func (o *ChannelOwner) Publish(ctx context.Context, p Publish) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return o.publish(ctx, ch, p)
	})
}

// Transaction publishes all messages inside a broker transaction. A failed commit
// is returned without retry.
func (o *ChannelOwner) Transaction(ctx context.Context, tx Transaction) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return o.runTransaction(ctx, ch, tx)
	})
}

// Ack acknowledges a single delivery.
func (o *ChannelOwner) Ack(ctx context.Context, deliveryTag uint64) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return o.ack(ch, deliveryTag)
	})
}

// Reject rejects a single delivery, optionally returning it to its queue.
func (o *ChannelOwner) Reject(ctx context.Context, deliveryTag uint64, requeue bool) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return o.reject(ch, deliveryTag, requeue)
	})
}

// DeclareExchange declares an exchange. The default exchange is a no-op.
func (o *ChannelOwner) DeclareExchange(ctx context.Context, params ExchangeParameters) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return declareExchange(ch, params)
	})
}

// DeclareQueue declares a queue and returns the broker's view of it.
func (o *ChannelOwner) DeclareQueue(ctx context.Context, params QueueParameters) (Queue, error) {
	var queue Queue
	err := o.execute(ctx, func(ch AMQPChannel) error {
		var err error
		queue, err = declareQueue(ch, params)
		return err
	})
	return queue, err
}

// QueueBind binds queue to exchange with routingKey.
func (o *ChannelOwner) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	return o.execute(ctx, func(ch AMQPChannel) error {
		return bindQueue(ch, queue, exchange, routingKey)
	})
}

// post delivers an event to the loop. It reports false once the owner is closed.
func (o *ChannelOwner) post(event func()) bool {
	select {
	case o.mailbox <- event:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// submit runs fn on the loop and waits for it to finish.
func (o *ChannelOwner) submit(ctx context.Context, fn func()) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}

	done := make(chan struct{})
	event := func() {
		defer close(done)
		fn()
	}

	select {
	case o.mailbox <- event:
	case <-o.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs fn against the owned channel, failing fast while disconnected.
func (o *ChannelOwner) execute(ctx context.Context, fn func(ch AMQPChannel) error) error {
	var err error
	if submitErr := o.submit(ctx, func() {
		if o.state != StateConnected {
			err = ErrNotConnected
			return
		}
		err = fn(o.channel)
	}); submitErr != nil {
		return submitErr
	}
	return err
}

func (o *ChannelOwner) requestChannel() {
	o.log.Debug().Msg("Requesting channel")
	o.provider.RequestChannel(o.ctx, o)
}

func (o *ChannelOwner) handleChannel(ch AMQPChannel) {
	if o.state == StateConnected {
		o.log.Debug().Msg("Closing surplus channel")
		o.closeChannel(ch)
		return
	}

	o.generation++
	gen := o.generation

	if err := o.setup(ch, gen); err != nil {
		o.log.Warn().Err(err).Msg("Channel initialization failed, will retry")
		o.closeChannel(ch)
		tracking.RecordChannelEvent(tracking.EventCreate, err)
		return
	}

	o.channel = ch
	o.txMode = false
	o.disarmRetry()
	o.transition(StateConnected)
	tracking.RecordChannelEvent(tracking.EventCreate, nil)
	o.log.Info().Uint64("generation", gen).Msg("Channel ready")
}

func (o *ChannelOwner) setup(ch AMQPChannel, gen uint64) error {
	if p := o.opts.params; p != nil {
		if err := ch.Qos(p.PrefetchCount, p.PrefetchSize, p.Global); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	go o.forwardReturns(ch.NotifyReturn(make(chan amqp.Return, returnBufferSize)))
	go o.watchClose(gen, ch.NotifyClose(make(chan *amqp.Error, 1)))

	return o.init.InitChannel(o.ctx, &Channel{owner: o, ch: ch, gen: gen})
}

func (o *ChannelOwner) watchClose(gen uint64, closes <-chan *amqp.Error) {
	var cause error
	if amqpErr, ok := <-closes; ok && amqpErr != nil {
		cause = amqpErr
	}
	o.post(func() { o.handleShutdown(gen, cause) })
}

func (o *ChannelOwner) forwardReturns(returns <-chan amqp.Return) {
	for r := range returns {
		ret := newReturn(&r)
		if !o.post(func() { o.handleReturn(ret) }) {
			break
		}
	}
	for range returns {
	}
}

func (o *ChannelOwner) handleReturn(ret Return) {
	if o.opts.returnListener != nil {
		o.opts.returnListener(ret)
		return
	}
	o.log.Warn().
		Int("reply_code", int(ret.ReplyCode)).
		Str("reply_text", ret.ReplyText).
		Str("exchange", ret.Exchange).
		Str("routing_key", ret.RoutingKey).
		Msg("Message returned by broker")
}

func (o *ChannelOwner) handleShutdown(gen uint64, cause error) {
	if gen != o.generation || o.state != StateConnected {
		o.log.Debug().Uint64("generation", gen).Msg("Ignoring shutdown of superseded channel")
		return
	}

	o.log.Warn().Err(cause).Uint64("generation", gen).Msg("Channel closed, requesting a new one")
	o.channel = nil
	o.txMode = false
	o.armRetry()
	o.transition(StateDisconnected)
	tracking.RecordChannelEvent(tracking.EventClose, cause)
}

func (o *ChannelOwner) shutdown() {
	o.disarmRetry()
	if o.channel != nil {
		o.closeChannel(o.channel)
		o.channel = nil
		tracking.RecordChannelEvent(tracking.EventClose, nil)
	}
	if o.state != StateDisconnected {
		o.transition(StateDisconnected)
	}
	o.log.Info().Msg("Channel owner stopped")
}

func (o *ChannelOwner) transition(state State) {
	o.state = state
	if o.opts.stateListener != nil {
		o.opts.stateListener(state)
	}
}

func (o *ChannelOwner) armRetry() {
	if o.retry == nil {
		o.retry = time.NewTicker(o.opts.retryInterval)
	}
}

func (o *ChannelOwner) disarmRetry() {
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
	}
}

func (o *ChannelOwner) retryC() <-chan time.Time {
	if o.retry == nil {
		return nil
	}
	return o.retry.C
}

func (o *ChannelOwner) closeChannel(ch AMQPChannel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		o.log.Warn().Err(err).Msg("Failed to close channel")
	}
}
