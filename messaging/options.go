package messaging

import (
	"time"

	"github.com/gaborage/amqpkit/logger"
)

// DefaultRetryInterval is how often a disconnected owner asks for a channel.
const DefaultRetryInterval = time.Second

// Option configures a ChannelOwner and the specializations built on it.
type Option func(*ownerOptions)

type ownerOptions struct {
	name           string
	log            logger.Logger
	retryInterval  time.Duration
	params         *ChannelParameters
	stateListener  func(State)
	returnListener func(Return)
}

func defaultOwnerOptions() ownerOptions {
	return ownerOptions{
		name:          "channel-owner",
		log:           logger.Nop(),
		retryInterval: DefaultRetryInterval,
	}
}

func applyOptions(opts []Option) ownerOptions {
	o := defaultOwnerOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithName sets the "owner" field on every log line.
func WithName(name string) Option {
	return func(o *ownerOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the owner's logger.
func WithLogger(log logger.Logger) Option {
	return func(o *ownerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithRetryInterval overrides DefaultRetryInterval. Non-positive values are ignored.
func WithRetryInterval(d time.Duration) Option {
	return func(o *ownerOptions) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithChannelParameters applies QoS to every new channel.
func WithChannelParameters(params *ChannelParameters) Option {
	return func(o *ownerOptions) {
		o.params = params
	}
}

// WithStateListener is called on the owner's goroutine after every state transition.
// It must not call back into the owner.
func WithStateListener(fn func(State)) Option {
	return func(o *ownerOptions) {
		o.stateListener = fn
	}
}

// WithReturnListener receives publishes the broker returned as unroutable.
// Without one, returns are logged at warn level.
func WithReturnListener(fn func(Return)) Option {
	return func(o *ownerOptions) {
		o.returnListener = fn
	}
}
