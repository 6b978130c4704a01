package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

var (
	ErrSubscriberRequired = errors.New("subscriber is required")
	ErrQueueRequired      = errors.New("queue name is required")
	ErrTopicsRequired     = errors.New("at least one topic binding is required")
	ErrCallbackRequired   = errors.New("message callback is required")

	// ErrDeliveryStreamClosed reports a transport-level fault: the broker
	// closed the delivery stream. Owners resubscribe with backoff.
	ErrDeliveryStreamClosed = errors.New("delivery stream closed by broker")
)

const defaultPrefetchCount = 16

// MessageHandler is invoked once per delivery. Returning nil acknowledges
// the message; returning an error negatively acknowledges it with requeue,
// driving broker-level redelivery.
type MessageHandler func(ctx context.Context, topic string, body []byte, headers map[string]any) error

// Subscriber binds durable queues to a topic exchange and pumps deliveries
// into a callback with manual ack/nack semantics. Each Subscribe call owns a
// dedicated channel, so independent subscriptions never share broker state.
type Subscriber struct {
	conn     *Connection
	exchange string
	logger   log.Logger
	prefetch int
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets a structured logger.
func WithSubscriberLogger(logger log.Logger) SubscriberOption {
	return func(sub *Subscriber) {
		if nilcheck.Interface(logger) {
			return
		}

		sub.logger = logger
	}
}

// WithPrefetchCount bounds unacknowledged deliveries per subscription.
func WithPrefetchCount(count int) SubscriberOption {
	return func(sub *Subscriber) {
		if count > 0 {
			sub.prefetch = count
		}
	}
}

// NewSubscriber creates a subscriber for the given topic exchange.
func NewSubscriber(conn *Connection, exchange string, opts ...SubscriberOption) (*Subscriber, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	sub := &Subscriber{
		conn:     conn,
		exchange: exchange,
		logger:   log.NewNop(),
		prefetch: defaultPrefetchCount,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	return sub, nil
}

// Subscribe declares the exchange and a durable queue, binds every topic,
// and invokes onMessage per delivery until ctx is cancelled or the transport
// fails. The message is acknowledged only after onMessage returns nil; any
// callback error results in a negative acknowledgement with requeue.
//
// Subscribe blocks. A transport-level fault returns a non-nil error
// (wrapping ErrDeliveryStreamClosed where detectable) so the owning loop can
// resubscribe; cancellation returns ctx.Err().
func (sub *Subscriber) Subscribe(ctx context.Context, queue string, topics []string, onMessage MessageHandler) error {
	if sub == nil {
		return ErrSubscriberRequired
	}

	if queue == "" {
		return ErrQueueRequired
	}

	if len(topics) == 0 {
		return ErrTopicsRequired
	}

	if onMessage == nil {
		return ErrCallbackRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ch, err := sub.conn.NewChannel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	deliveries, err := sub.setupConsume(ch, queue, topics)
	if err != nil {
		return err
	}

	sub.logger.Log(ctx, log.LevelInfo, "subscription established",
		log.String("queue", queue),
		log.Int("topics", len(topics)),
	)

	return sub.pump(ctx, queue, deliveries, onMessage)
}

func (sub *Subscriber) setupConsume(ch *amqp.Channel, queue string, topics []string) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(sub.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", sub.exchange, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	for _, topic := range topics {
		if err := ch.QueueBind(queue, topic, sub.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %q to topic %q: %w", queue, topic, err)
		}
	}

	if err := ch.Qos(sub.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %q: %w", queue, err)
	}

	return deliveries, nil
}

// pump drains deliveries until cancellation or stream closure. A single
// message's failure never terminates the pump; only transport faults do.
func (sub *Subscriber) pump(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, onMessage MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue %q: %w", queue, ErrDeliveryStreamClosed)
			}

			sub.dispatch(ctx, queue, delivery, onMessage)
		}
	}
}

func (sub *Subscriber) dispatch(ctx context.Context, queue string, delivery amqp.Delivery, onMessage MessageHandler) {
	headers := map[string]any(delivery.Headers)

	if err := onMessage(ctx, delivery.RoutingKey, delivery.Body, headers); err != nil {
		sub.logger.Log(ctx, log.LevelWarn, "message callback failed, requeueing",
			log.String("queue", queue),
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err),
		)

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			sub.logger.Log(ctx, log.LevelError, "failed to nack delivery",
				log.String("queue", queue),
				log.Err(nackErr),
			)
		}

		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		sub.logger.Log(ctx, log.LevelError, "failed to ack delivery",
			log.String("queue", queue),
			log.Err(ackErr),
		)
	}
}
