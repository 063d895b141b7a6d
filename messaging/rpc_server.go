package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/gaborage/amqpkit/messaging/internal/tracking"
)

// Processor handles RPC requests for an RPCServer.
type Processor interface {
	// Process computes the reply body for d.
	Process(ctx context.Context, d Delivery) ([]byte, error)
	// OnFailure computes the reply for a redelivered request whose processing failed again.
	OnFailure(ctx context.Context, d Delivery, err error) []byte
}

// RPCEndpoint is the queue an RPCServer consumes and how it is bound.
type RPCEndpoint struct {
	Queue      QueueParameters
	Exchange   ExchangeParameters
	RoutingKey string
}

// RPCServer answers requests on one queue. A request that fails is requeued once;
// if it fails again on redelivery the Processor's OnFailure reply is sent and the
// request is acknowledged.
type RPCServer struct {
	*ChannelOwner

	endpoint  RPCEndpoint
	processor Processor
	queue     string
}

// NewRPCServer starts a server for endpoint.
func NewRPCServer(provider ChannelProvider, endpoint RPCEndpoint, processor Processor, opts ...Option) (*RPCServer, error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}

	s := &RPCServer{
		endpoint:  endpoint,
		processor: processor,
	}
	s.ChannelOwner = newChannelOwner(provider, ChannelInitializerFunc(s.initChannel), opts)
	s.start()
	return s, nil
}

func (s *RPCServer) initChannel(_ context.Context, ch *Channel) error {
	q, err := ch.DeclareQueue(s.endpoint.Queue)
	if err != nil {
		return err
	}
	if err := ch.DeclareExchange(s.endpoint.Exchange); err != nil {
		return err
	}
	if !s.endpoint.Exchange.IsDefault() {
		if err := ch.QueueBind(q.Name, s.endpoint.Exchange.Name, s.endpoint.RoutingKey); err != nil {
			return err
		}
	}

	s.queue = q.Name
	return ch.Consume(q.Name, false, s.handle)
}

func (s *RPCServer) handle(ch *Channel, d Delivery) {
	ctx, span := StartConsumeSpan(s.ctx, d, s.queue)
	defer span.End()

	log := s.log.WithFields(map[string]any{
		"queue":          s.queue,
		"delivery_tag":   d.Envelope.DeliveryTag,
		"correlation_id": d.Properties.CorrelationID,
	})

	result, err := s.process(ctx, d)
	switch {
	case err == nil:
		s.reply(ctx, ch, d, result)
		if ackErr := ch.Ack(d.Envelope.DeliveryTag); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack processed request")
		}
		span.SetStatus(codes.Ok, "")
		tracking.RecordRPCServerOutcome(ctx, s.queue, tracking.OutcomeSuccess)

	case d.Envelope.Redelivered:
		log.Error().Err(err).Msg("Request failed on redelivery, replying with failure")
		s.reply(ctx, ch, d, s.processor.OnFailure(ctx, d, err))
		if ackErr := ch.Ack(d.Envelope.DeliveryTag); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack failed request")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tracking.RecordRPCServerOutcome(ctx, s.queue, tracking.OutcomeFailure)

	default:
		log.Warn().Err(err).Msg("Request failed, requeueing for one retry")
		if rejectErr := ch.Reject(d.Envelope.DeliveryTag, true); rejectErr != nil {
			log.Error().Err(rejectErr).Msg("Failed to requeue request")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tracking.RecordRPCServerOutcome(ctx, s.queue, tracking.OutcomeRetry)
	}
}

// process calls the Processor, turning a panic into an error.
func (s *RPCServer) process(ctx context.Context, d Delivery) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, d)
}

func (s *RPCServer) reply(ctx context.Context, ch *Channel, d Delivery, body []byte) {
	if d.Properties.ReplyTo == "" {
		return
	}

	err := ch.Publish(ctx, Publish{
		RoutingKey: d.Properties.ReplyTo,
		Body:       body,
		Properties: Properties{
			CorrelationID: d.Properties.CorrelationID,
			MessageID:     uuid.New().String(),
		},
	})
	if err != nil {
		s.log.Error().
			Err(err).
			Str("reply_to", d.Properties.ReplyTo).
			Str("correlation_id", d.Properties.CorrelationID).
			Msg("Failed to publish reply")
	}
}
