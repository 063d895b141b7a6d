// Package testing holds test support for code built on amqpkit.
//
// The mocks subpackage provides testify mocks of messaging.AMQPChannel and
// messaging.ChannelProvider, so owners, consumers and RPC endpoints can run without a
// broker. The fixtures subpackage builds deliveries and RPC requests. The containers
// subpackage, behind the integration build tag, starts a real RabbitMQ with
// testcontainers-go.
//
//	ch := mocks.NewMockAMQPChannel().ExpectSetup()
//	provider := mocks.NewMockChannelProvider()
//	provider.Offer(ch)
//	owner := messaging.NewChannelOwner(provider, nil)
package testing
