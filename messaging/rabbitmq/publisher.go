package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/publish"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired = errors.New("topic publisher is required")
	ErrExchangeRequired  = errors.New("exchange name is required")
	ErrPublishNacked     = errors.New("message was nacked by broker")
	ErrConfirmTimeout    = errors.New("confirmation timed out")
	ErrPublisherClosed   = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default wait for broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages so the
	// broker's confirm stream never blocks.
	confirmChannelBuffer = 256

	jsonContentType = "application/json"
)

// TopicPublisher publishes persistent messages to one durable topic exchange
// and blocks until broker-level confirmation. This yields confirmed
// at-least-once delivery, not exactly-once.
//
// Publishes are intentionally serialized per instance: one publish+confirm
// flow in flight at a time, preserving confirm ordering without delivery-tag
// correlation state. Shard across instances for higher throughput.
type TopicPublisher struct {
	conn           *Connection
	exchange       string
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.Mutex
	ch        *amqp.Channel
	confirms  chan amqp.Confirmation
	closeSig  chan *amqp.Error
	shutdown  bool
	publishMu sync.Mutex
}

var _ publish.Publisher = (*TopicPublisher)(nil)

// TopicPublisherOption configures a TopicPublisher.
type TopicPublisherOption func(*TopicPublisher)

// WithPublisherLogger sets a structured logger.
func WithPublisherLogger(logger log.Logger) TopicPublisherOption {
	return func(pub *TopicPublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout sets the broker confirmation wait timeout.
func WithConfirmTimeout(timeout time.Duration) TopicPublisherOption {
	return func(pub *TopicPublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewTopicPublisher creates a publisher bound to a durable topic exchange.
// The channel is opened lazily on first publish so construction does not
// require broker availability.
func NewTopicPublisher(conn *Connection, exchange string, opts ...TopicPublisherOption) (*TopicPublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	pub := &TopicPublisher{
		conn:           conn,
		exchange:       exchange,
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// Publish implements publish.Publisher: declares the exchange if needed,
// sends a persistent message with the given routing key, and waits for the
// broker's publish confirmation.
func (pub *TopicPublisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	ch, confirms, closeSig, err := pub.ensureChannel(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  jsonContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if len(headers) > 0 {
		msg.Headers = amqp.Table(headers)
	}

	if err := ch.PublishWithContext(ctx, pub.exchange, routingKey, false, false, msg); err != nil {
		pub.dropChannel(ch)

		return fmt.Errorf("publish: %w", err)
	}

	if err := pub.waitForConfirm(ctx, confirms, closeSig); err != nil {
		// A pending confirmation would desynchronize the next wait, so the
		// channel is discarded and rebuilt on the next publish.
		pub.dropChannel(ch)

		return err
	}

	return nil
}

// ensureChannel returns the current confirm-mode channel, opening and
// configuring a fresh one when none is available.
func (pub *TopicPublisher) ensureChannel(ctx context.Context) (*amqp.Channel, chan amqp.Confirmation, chan *amqp.Error, error) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.shutdown {
		return nil, nil, nil, ErrPublisherClosed
	}

	if pub.ch != nil && !pub.ch.IsClosed() {
		return pub.ch, pub.confirms, pub.closeSig, nil
	}

	ch, err := pub.conn.NewChannel(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := ch.ExchangeDeclare(pub.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()

		return nil, nil, nil, fmt.Errorf("declare exchange %q: %w", pub.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return nil, nil, nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeSig := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closeSig = closeSig

	return ch, confirms, closeSig, nil
}

func (pub *TopicPublisher) waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closeSig <-chan *amqp.Error) error {
	timeout := time.NewTimer(pub.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case amqpErr := <-closeSig:
		if amqpErr != nil {
			return fmt.Errorf("channel closed awaiting confirm: %w", amqpErr)
		}

		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// dropChannel discards the cached channel after a failed publish or confirm.
func (pub *TopicPublisher) dropChannel(ch *amqp.Channel) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.ch == ch {
		pub.ch = nil
		pub.confirms = nil
		pub.closeSig = nil
	}

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
}

// Close permanently closes the publisher channel. The shared connection is
// left open for other owners.
func (pub *TopicPublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.shutdown {
		return nil
	}

	pub.shutdown = true

	if pub.ch != nil && !pub.ch.IsClosed() {
		if err := pub.ch.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	pub.ch = nil

	return nil
}
