package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/backoff"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/inbox"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/opentelemetry"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/rabbitmq"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/runtime"
)

// Subscriber is the broker subscription contract the consumer supervises.
// *rabbitmq.Subscriber satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, topics []string, onMessage rabbitmq.MessageHandler) error
}

// Consumer runs one supervised subscription loop per queue. Each delivery is
// resolved through the type registry, fanned out to every registered handler,
// and deduplicated per handler through the inbox.
type Consumer struct {
	subscriber Subscriber
	types      *event.TypeRegistry
	handlers   *HandlerRegistry
	inboxRepo  inbox.Repository
	deliveries inbox.DeliveryRepository
	queues     map[string][]string

	logger  log.Logger
	tracer  trace.Tracer
	cfg     Config
	metrics consumerMetrics

	runStateMu sync.Mutex
	running    bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(consumer *Consumer) {
		if nilcheck.Interface(logger) {
			return
		}

		consumer.logger = logger
	}
}

// WithTracer sets the tracer used for per-message spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(consumer *Consumer) {
		if nilcheck.Interface(tracer) {
			return
		}

		consumer.tracer = tracer
	}
}

// WithConfig overrides the consumer configuration.
func WithConfig(cfg Config) Option {
	return func(consumer *Consumer) {
		consumer.cfg = cfg
	}
}

// WithDeliveryRepository enables per-subscriber delivery accounting. Without
// it the consumer still deduplicates through the inbox; with it each
// subscriber additionally gets an independent attempts counter and backoff
// window.
func WithDeliveryRepository(deliveries inbox.DeliveryRepository) Option {
	return func(consumer *Consumer) {
		if nilcheck.Interface(deliveries) {
			return
		}

		consumer.deliveries = deliveries
	}
}

// NewConsumer wires the consumer. queues maps each durable queue name to the
// routing-key topics it binds; the map is supplied by the hosting application
// and treated as immutable.
func NewConsumer(
	subscriber Subscriber,
	types *event.TypeRegistry,
	handlers *HandlerRegistry,
	inboxRepo inbox.Repository,
	queues map[string][]string,
	opts ...Option,
) (*Consumer, error) {
	if nilcheck.Interface(subscriber) {
		return nil, ErrSubscriberRequired
	}

	if types == nil {
		return nil, ErrTypeRegistryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(inboxRepo) {
		return nil, ErrInboxRepositoryRequired
	}

	if len(queues) == 0 {
		return nil, ErrQueueMapRequired
	}

	for queue, topics := range queues {
		if queue == "" {
			return nil, rabbitmq.ErrQueueRequired
		}

		if len(topics) == 0 {
			return nil, fmt.Errorf("queue %q: %w", queue, rabbitmq.ErrTopicsRequired)
		}
	}

	consumer := &Consumer{
		subscriber: subscriber,
		types:      types,
		handlers:   handlers,
		inboxRepo:  inboxRepo,
		queues:     queues,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("messaging.noop"),
		cfg:        DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	consumer.cfg.normalize()

	metrics, err := newConsumerMetrics(consumer.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init consumer metrics: %w", err)
	}

	consumer.metrics = metrics

	return consumer, nil
}

// Run starts one supervised loop per queue and blocks until ctx is
// cancelled and every loop has drained. Only one Run may be active.
func (consumer *Consumer) Run(ctx context.Context) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	consumer.runStateMu.Lock()
	if consumer.running {
		consumer.runStateMu.Unlock()

		return ErrConsumerRunning
	}

	consumer.running = true
	consumer.runStateMu.Unlock()

	defer func() {
		consumer.runStateMu.Lock()
		consumer.running = false
		consumer.runStateMu.Unlock()
	}()

	consumer.logger.Log(ctx, log.LevelInfo, "consumer started",
		log.Int("queues", len(consumer.queues)),
	)
	defer consumer.logger.Log(context.Background(), log.LevelInfo, "consumer stopped")

	var wg sync.WaitGroup

	for queue, topics := range consumer.queues {
		wg.Add(1)

		runtime.SafeGo(consumer.logger, "consumer.queue_loop."+queue, runtime.KeepRunning, func() {
			defer wg.Done()

			consumer.runQueueLoop(ctx, queue, topics)
		})
	}

	wg.Wait()

	return nil
}

// runQueueLoop keeps one queue subscribed until cancellation. Transport
// faults trigger resubscription after an exponential delay starting at the
// configured base, doubling, capped, and abortable mid-wait.
func (consumer *Consumer) runQueueLoop(ctx context.Context, queue string, topics []string) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		startedAt := time.Now()

		err := consumer.subscriber.Subscribe(ctx, queue, topics, consumer.queueCallback(queue))
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		// A session that outlived the cap was healthy; restart the ladder.
		if time.Since(startedAt) > consumer.cfg.ResubscribeBackoffCap {
			attempt = 0
		}

		attempt++
		delay := backoff.ExponentialCapped(consumer.cfg.ResubscribeBackoffBase, attempt-1, consumer.cfg.ResubscribeBackoffCap)

		consumer.logger.Log(ctx, log.LevelWarn, "subscription lost, resubscribing",
			log.String("queue", queue),
			log.Int("attempt", attempt),
			log.String("delay", delay.String()),
			log.Err(err),
		)

		if err := backoff.SleepWithContext(ctx, delay); err != nil {
			return
		}
	}
}

func (consumer *Consumer) queueCallback(queue string) rabbitmq.MessageHandler {
	return func(ctx context.Context, topic string, body []byte, headers map[string]any) error {
		return consumer.handleMessage(ctx, queue, topic, body, headers)
	}
}

// handleMessage processes one delivery. A nil return acknowledges the
// message; a non-nil return drives broker redelivery. Malformed and
// unresolvable messages are dropped deliberately: redelivering them can
// never succeed and would poison the queue.
func (consumer *Consumer) handleMessage(ctx context.Context, queue, topic string, body []byte, headers map[string]any) error {
	header, err := event.PeekHeader(body)
	if err != nil {
		consumer.dropMessage(ctx, queue, topic, "malformed envelope header", err)

		return nil
	}

	eventType, ok := consumer.types.TryResolve(header.Name, header.Version)
	if !ok {
		consumer.dropMessage(ctx, queue, topic, "unknown event type",
			fmt.Errorf("no registered type for %s", header.Identity()))

		return nil
	}

	env, err := event.Decode(body)
	if err != nil {
		consumer.dropMessage(ctx, queue, topic, "malformed envelope", err)

		return nil
	}

	evt, err := eventType.Decode(env.Payload)
	if err != nil {
		consumer.dropMessage(ctx, queue, topic, "undecodable payload", err)

		return nil
	}

	msgCtx := opentelemetry.ExtractTraceContextFromQueueHeaders(ctx, headers)

	msgCtx, span := consumer.tracer.Start(msgCtx, "consumer.process_message")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.message.id", env.EventID.String()),
		attribute.String("messaging.event.name", env.Name),
		attribute.Int("messaging.event.version", int(env.Version)),
		attribute.String("messaging.destination.name", queue),
	)

	handlers := consumer.handlers.HandlersFor(header.Identity())
	if len(handlers) == 0 {
		consumer.logger.Log(msgCtx, log.LevelDebug, "no handlers registered for event",
			log.String("event", header.Identity().String()),
			log.String("queue", queue),
		)

		return nil
	}

	// Each handler is processed independently; any failure propagates so the
	// broker redelivers, and the inbox check shields the handlers that
	// already succeeded.
	var errs []error

	for _, handler := range handlers {
		if err := consumer.invokeHandler(msgCtx, handler, env, evt); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", handler.Name(), err))
		}
	}

	if len(errs) > 0 {
		opentelemetry.HandleSpanError(span, "handler invocation failed", errors.Join(errs...))

		if consumer.metrics.handlerFailed != nil {
			consumer.metrics.handlerFailed.Add(msgCtx, int64(len(errs)))
		}

		return errors.Join(errs...)
	}

	if consumer.metrics.handled != nil {
		consumer.metrics.handled.Add(msgCtx, int64(len(handlers)))
	}

	return nil
}

// invokeHandler executes one handler under inbox deduplication: claim the
// (event, handler) row, skip when already processed, count the attempt,
// invoke, then mark processed.
func (consumer *Consumer) invokeHandler(ctx context.Context, handler Handler, env *event.Envelope, evt event.Event) error {
	msg, err := inbox.NewMessage(env.EventID, handler.Name())
	if err != nil {
		return err
	}

	inserted, err := consumer.inboxRepo.InsertIfAbsent(ctx, msg)
	if err != nil {
		return fmt.Errorf("inbox insert: %w", err)
	}

	if !inserted {
		existing, getErr := consumer.inboxRepo.Get(ctx, env.EventID, handler.Name())
		if getErr != nil {
			return fmt.Errorf("inbox lookup: %w", getErr)
		}

		if existing.Processed() {
			if consumer.metrics.deduplicated != nil {
				consumer.metrics.deduplicated.Add(ctx, 1)
			}

			return nil
		}
		// Row exists unprocessed: an earlier attempt is in flight or failed.
		// Proceed and rely on handler idempotency.
	}

	if !nilcheck.Interface(consumer.deliveries) {
		if proceed, accErr := consumer.claimDelivery(ctx, handler.Name(), env.EventID); accErr != nil || !proceed {
			return accErr
		}
	}

	if err := consumer.inboxRepo.IncrementAttempts(ctx, env.EventID, handler.Name()); err != nil {
		return fmt.Errorf("inbox attempts: %w", err)
	}

	if err := consumer.safeHandle(ctx, handler, env, evt); err != nil {
		consumer.recordDeliveryFailure(ctx, handler.Name(), env.EventID)

		return err
	}

	now := time.Now().UTC()

	if err := consumer.inboxRepo.MarkProcessed(ctx, env.EventID, handler.Name(), now); err != nil {
		return fmt.Errorf("inbox mark processed: %w", err)
	}

	if !nilcheck.Interface(consumer.deliveries) {
		if err := consumer.deliveries.MarkProcessed(ctx, env.EventID, handler.Name(), now); err != nil {
			log.SafeError(consumer.logger, ctx, "failed to mark delivery processed", err)
		}
	}

	return nil
}

// claimDelivery records the per-subscriber accounting row and enforces its
// backoff window. Returning (false, ErrDeliveryNotDue) defers the handler to
// a later redelivery without invoking it; subscribers that already processed
// the event return (false, nil).
func (consumer *Consumer) claimDelivery(ctx context.Context, subscriber string, eventID uuid.UUID) (bool, error) {
	delivery, err := inbox.NewDelivery(eventID, subscriber)
	if err != nil {
		return false, err
	}

	inserted, err := consumer.deliveries.InsertIfAbsent(ctx, delivery)
	if err != nil {
		return false, fmt.Errorf("delivery insert: %w", err)
	}

	if inserted {
		return true, nil
	}

	existing, err := consumer.deliveries.Get(ctx, eventID, subscriber)
	if err != nil {
		return false, fmt.Errorf("delivery lookup: %w", err)
	}

	if existing.Processed() {
		return false, nil
	}

	if !existing.Due(time.Now().UTC()) {
		return false, ErrDeliveryNotDue
	}

	return true, nil
}

func (consumer *Consumer) recordDeliveryFailure(ctx context.Context, subscriber string, eventID uuid.UUID) {
	if nilcheck.Interface(consumer.deliveries) {
		return
	}

	attempts := 0

	if existing, err := consumer.deliveries.Get(ctx, eventID, subscriber); err == nil {
		attempts = existing.Attempts
	}

	delay := backoff.ExponentialWithJitterCapped(consumer.cfg.RetryBackoffBase, attempts, consumer.cfg.RetryBackoffCap)
	notBefore := time.Now().UTC().Add(delay)

	if err := consumer.deliveries.MarkFailed(ctx, eventID, subscriber, notBefore); err != nil {
		log.SafeError(consumer.logger, ctx, "failed to mark delivery failed", err)
	}
}

// safeHandle contains handler panics so a poisoned message surfaces as a
// handler error (redelivery) instead of killing the subscription loop.
func (consumer *Consumer) safeHandle(ctx context.Context, handler Handler, env *event.Envelope, evt event.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler %s panicked: %v", handler.Name(), recovered)
		}
	}()

	return handler.Handle(ctx, env, evt)
}

func (consumer *Consumer) dropMessage(ctx context.Context, queue, topic, reason string, err error) {
	consumer.logger.Log(ctx, log.LevelWarn, "dropping message: "+reason,
		log.String("queue", queue),
		log.String("routing_key", topic),
		log.Err(err),
	)

	if consumer.metrics.dropped != nil {
		consumer.metrics.dropped.Add(ctx, 1)
	}
}
