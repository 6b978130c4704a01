package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/backoff"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/opentelemetry"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/publish"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/runtime"
)

// Append records env in the outbox inside the caller's open transaction.
// It never publishes; the dispatcher drains the row later. This is the
// no-dual-write guarantee: business state and the intent to publish are
// atomic.
func Append(ctx context.Context, repo Repository, tx Tx, env *event.Envelope) (*Message, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	msg, err := NewMessage(env)
	if err != nil {
		return nil, err
	}

	if err := repo.CreateWithTx(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("append outbox message: %w", err)
	}

	return msg, nil
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// Dispatcher polls one outbox table and drains due messages through the
// resilient publisher. Multiple instances may run concurrently against the
// same table; coordination happens through conditional storage updates, so
// duplicate publishes are possible and consumers must deduplicate.
type Dispatcher struct {
	repo      Repository
	publisher publish.Publisher
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(logger) {
			return
		}

		dispatcher.logger = logger
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(tracer) {
			return
		}

		dispatcher.tracer = tracer
	}
}

// WithConfig overrides the dispatcher configuration.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// NewDispatcher creates a dispatcher for one outbox table.
func NewDispatcher(
	repo Repository,
	publisher publish.Publisher,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("messaging.noop"),
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called or ctx is cancelled.
// Only one Run may be active per dispatcher.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

// runCycle executes one traced, panic-contained dispatch cycle.
func (dispatcher *Dispatcher) runCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	result := dispatcher.DispatchOnceResult(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight dispatch cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns the processed count.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Processed
}

// DispatchOnceResult selects one bounded batch of due messages, oldest
// first, and drains it through the publisher.
//
// Delivery semantics are at-least-once: the publish happens before
// MarkProcessed. If state persistence fails after a confirmed publish, the
// row is retried later and consumers must remain idempotent.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	messages, err := dispatcher.repo.ListDue(ctx, dispatcher.cfg.BatchSize, start)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list due outbox messages", err)
		log.SafeError(dispatcher.logger, ctx, "failed to list due outbox messages", err)

		return DispatchResult{}
	}

	result := DispatchResult{}

	if dispatcher.metrics.batchDepth != nil {
		dispatcher.metrics.batchDepth.Record(ctx, int64(len(messages)))
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		result.Processed++

		if err := dispatcher.publishMessage(ctx, msg); err != nil {
			dispatcher.handlePublishError(ctx, msg, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkProcessed(ctx, msg.ID, time.Now().UTC()); err != nil {
			// Another dispatcher instance won the conditional update.
			if errors.Is(err, ErrAlreadyProcessed) {
				continue
			}

			dispatcher.logger.Log(ctx, log.LevelError,
				"outbox message published to broker but failed to persist processed state; message may be retried",
				log.String("message_id", msg.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)

			if dispatcher.metrics.stateFailed != nil {
				dispatcher.metrics.stateFailed.Add(ctx, 1)
			}

			result.StateUpdateFailed++
		}
	}

	if dispatcher.metrics.published != nil && result.Published > 0 {
		dispatcher.metrics.published.Add(ctx, int64(result.Published))
	}

	if dispatcher.metrics.failed != nil && result.Failed > 0 {
		dispatcher.metrics.failed.Add(ctx, int64(result.Failed))
	}

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

// publishMessage serializes the stored envelope and publishes it with trace
// headers, routing key = name suffixed by version.
func (dispatcher *Dispatcher) publishMessage(ctx context.Context, msg *Message) error {
	if len(msg.Payload) == 0 {
		return ErrPayloadRequired
	}

	body, err := msg.Envelope().Encode()
	if err != nil {
		return err
	}

	headers := opentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		"message-id": msg.ID.String(),
	})

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID.String()),
		attribute.String("messaging.destination.name", msg.Identity().RoutingKey()),
	)

	if err := dispatcher.publisher.Publish(ctx, msg.Identity().RoutingKey(), body, headers); err != nil {
		opentelemetry.HandleSpanError(span, "publish failed", err)

		return err
	}

	return nil
}

// handlePublishError counts the attempt and pushes the row's eligibility
// window forward with jittered exponential backoff. Attempts are counted but
// never escalate the row into a terminal state; a permanent classification
// is logged louder so operators can intervene.
func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, msg *Message, err error) {
	delay := backoff.ExponentialWithJitterCapped(dispatcher.cfg.RetryBackoffBase, msg.Attempts, dispatcher.cfg.RetryBackoffCap)
	notBefore := time.Now().UTC().Add(delay)

	level := log.LevelWarn
	if publish.IsPermanent(err) {
		level = log.LevelError
	}

	dispatcher.logger.Log(ctx, level, "outbox message dispatch failed",
		log.String("message_id", msg.ID.String()),
		log.String("routing_key", msg.Identity().RoutingKey()),
		log.Int("attempts", msg.Attempts+1),
		log.Bool("permanent", publish.IsPermanent(err)),
		log.String("error", sanitizeErrorForStorage(err)),
	)

	errMsg := truncateError(sanitizeErrorForStorage(err), dispatcher.cfg.MaxErrorLength, errorTruncatedSuffix)

	if markErr := dispatcher.repo.MarkFailed(ctx, msg.ID, errMsg, notBefore); markErr != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to mark outbox message failed", markErr)
	}
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
