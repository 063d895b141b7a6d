package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/amqpkit/logger"
)

const (
	testExchange   = "test.exchange"
	testQueue      = "test.queue"
	testRoutingKey = "test.key"
	testReplyQueue = "amq.gen-reply"

	eventually = time.Second
	tick       = 2 * time.Millisecond
)

type publishRecord struct {
	exchange, key        string
	mandatory, immediate bool
	msg                  amqp.Publishing
}

type bindRecord struct {
	queue, key, exchange string
}

type consumeRecord struct {
	queue   string
	autoAck bool
	ch      chan amqp.Delivery
}

// fakeChannel is a goroutine-safe AMQPChannel recording every call.
type fakeChannel struct {
	mu sync.Mutex

	publishGate  chan struct{} // when set, publishes block until it is closed
	publishWait  int
	qosErr       error
	publishErr   error
	exDeclareErr error
	qDeclareErr  error
	bindErr      error
	consumeErr   error
	txErr        error
	commitErr    error
	rollbackErr  error
	closeErr     error
	queueName    string // returned for server-named queues

	qos          []ChannelParameters
	publishes    []publishRecord
	acks         []uint64
	rejects      map[uint64]bool
	exchanges    []string
	passiveEx    []string
	queues       []string
	passiveQ     []string
	binds        []bindRecord
	consumes     []consumeRecord
	txSelects    int
	commits      int
	rollbacks    int
	closed       bool
	closeCalls   int
	notifyClose  []chan *amqp.Error
	notifyReturn []chan amqp.Return
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{rejects: make(map[uint64]bool)}
}

func (f *fakeChannel) Qos(count, size int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = append(f.qos, ChannelParameters{PrefetchCount: count, PrefetchSize: size, Global: global})
	return f.qosErr
}

//nolint:gocritic // signature must match AMQPChannel
func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gate := f.publishGate; gate != nil {
		f.publishWait++
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.publishes = append(f.publishes, publishRecord{exchange, key, mandatory, immediate, msg})
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[tag] = requeue
	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name)
	return f.exDeclareErr
}

func (f *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passiveEx = append(f.passiveEx, name)
	return f.exDeclareErr
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, name)
	if name == "" {
		name = f.queueName
	}
	return amqp.Queue{Name: name, Messages: 3, Consumers: 1}, f.qDeclareErr
}

func (f *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passiveQ = append(f.passiveQ, name)
	return amqp.Queue{Name: name}, f.qDeclareErr
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, bindRecord{name, key, exchange})
	return f.bindErr
}

func (f *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	ch := make(chan amqp.Delivery, 16)
	f.consumes = append(f.consumes, consumeRecord{queue: queue, autoAck: autoAck, ch: ch})
	return ch, nil
}

func (f *fakeChannel) Tx() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txSelects++
	return f.txErr
}

func (f *fakeChannel) TxCommit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return f.commitErr
}

func (f *fakeChannel) TxRollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return f.rollbackErr
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyClose = append(f.notifyClose, c)
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyReturn = append(f.notifyReturn, c)
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.shutdownLocked(nil)
	return f.closeErr
}

// breakWith simulates the broker closing the channel.
func (f *fakeChannel) breakWith(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownLocked(err)
}

func (f *fakeChannel) shutdownLocked(err *amqp.Error) {
	if f.closed {
		return
	}
	f.closed = true
	for _, c := range f.notifyClose {
		if err != nil {
			c <- err
		}
		close(c)
	}
	for _, c := range f.notifyReturn {
		close(c)
	}
	for _, c := range f.consumes {
		close(c.ch)
	}
}

// deliver pushes a delivery onto the nth consumer.
func (f *fakeChannel) deliver(t *testing.T, n int, d amqp.Delivery) {
	t.Helper()
	f.mu.Lock()
	require.Greater(t, len(f.consumes), n, "consumer %d not started", n)
	ch := f.consumes[n].ch
	f.mu.Unlock()
	ch <- d
}

// returnMessage pushes a basic.return onto the channel's return listeners.
func (f *fakeChannel) returnMessage(r amqp.Return) {
	f.mu.Lock()
	listeners := append([]chan amqp.Return(nil), f.notifyReturn...)
	f.mu.Unlock()
	for _, c := range listeners {
		c <- r
	}
}

func (f *fakeChannel) snapshot() fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	rejects := make(map[uint64]bool, len(f.rejects))
	for k, v := range f.rejects {
		rejects[k] = v
	}
	return fakeChannel{
		qos:        append([]ChannelParameters(nil), f.qos...),
		publishes:  append([]publishRecord(nil), f.publishes...),
		acks:       append([]uint64(nil), f.acks...),
		rejects:    rejects,
		exchanges:  append([]string(nil), f.exchanges...),
		passiveEx:  append([]string(nil), f.passiveEx...),
		queues:     append([]string(nil), f.queues...),
		passiveQ:   append([]string(nil), f.passiveQ...),
		binds:      append([]bindRecord(nil), f.binds...),
		consumes:   append([]consumeRecord(nil), f.consumes...),
		txSelects:  f.txSelects,
		commits:    f.commits,
		rollbacks:  f.rollbacks,
		closed:     f.closed,
		closeCalls: f.closeCalls,
	}
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) blockedPublishes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishWait
}

func (f *fakeChannel) consumerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consumes)
}

func (f *fakeChannel) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.publishes)
}

// fakeProvider hands out queued channels, one per request.
type fakeProvider struct {
	mu       sync.Mutex
	requests int
	queue    []AMQPChannel
}

func (p *fakeProvider) RequestChannel(_ context.Context, receiver ChannelReceiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if len(p.queue) == 0 {
		return
	}
	ch := p.queue[0]
	p.queue = p.queue[1:]
	go receiver.ChannelAvailable(ch)
}

func (p *fakeProvider) offer(channels ...AMQPChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, channels...)
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

var errBroker = errors.New("broker failure")

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithRetryInterval(5 * time.Millisecond),
		WithLogger(logger.Nop()),
	}, extra...)
}

func waitForState(t *testing.T, o *ChannelOwner, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := o.Status(context.Background())
		return err == nil && st.State == want
	}, eventually, tick, "owner never reached %s", want)
}

func closeOwner(t *testing.T, o interface{ Close() error }) {
	t.Helper()
	t.Cleanup(func() { _ = o.Close() })
}
