package messaging

import (
	"context"
	"fmt"
)

// DeliveryListener observes deliveries of a Consumer.
type DeliveryListener interface {
	OnDelivery(d Delivery)
}

// DeliveryListenerFunc adapts a function to DeliveryListener.
type DeliveryListenerFunc func(d Delivery)

// OnDelivery calls f.
func (f DeliveryListenerFunc) OnDelivery(d Delivery) {
	f(d)
}

// Consumer declares its bindings on every new channel and forwards deliveries to a
// listener. Nothing is acknowledged automatically unless a binding sets AutoAck;
// the listener calls Ack or Reject itself.
type Consumer struct {
	*ChannelOwner

	bindings []Binding
	listener DeliveryListener
}

// NewConsumer starts a consumer for bindings, declared in order on each connect.
func NewConsumer(provider ChannelProvider, bindings []Binding, listener DeliveryListener, opts ...Option) (*Consumer, error) {
	if listener == nil {
		return nil, ErrNilListener
	}

	c := &Consumer{
		bindings: append([]Binding(nil), bindings...),
		listener: listener,
	}
	c.ChannelOwner = newChannelOwner(provider, ChannelInitializerFunc(c.initChannel), opts)
	c.start()
	return c, nil
}

func (c *Consumer) initChannel(_ context.Context, ch *Channel) error {
	for i := range c.bindings {
		b := &c.bindings[i]

		q, err := ch.DeclareQueue(b.Queue)
		if err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}

		if !b.Exchange.IsDefault() {
			if err := ch.DeclareExchange(b.Exchange); err != nil {
				return fmt.Errorf("binding %d: %w", i, err)
			}
			if err := ch.QueueBind(q.Name, b.Exchange.Name, b.RoutingKey); err != nil {
				return fmt.Errorf("binding %d: %w", i, err)
			}
		}

		if err := ch.Subscribe(q.Name, b.AutoAck, c.listener.OnDelivery); err != nil {
			return fmt.Errorf("binding %d: %w", i, err)
		}
	}
	return nil
}
