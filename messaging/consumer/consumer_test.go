//go:build unit

package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/inbox"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/rabbitmq"
)

type orderPlaced struct {
	OrderID uuid.UUID `json:"orderId"`
}

func (orderPlaced) EventIdentity() event.Identity {
	return event.Identity{Name: "order.placed", Version: 1}
}

type inboxKey struct {
	eventID uuid.UUID
	handler string
}

type fakeInboxRepo struct {
	mu        sync.Mutex
	rows      map[inboxKey]*inbox.Message
	insertErr error
}

func newFakeInboxRepo() *fakeInboxRepo {
	return &fakeInboxRepo{rows: make(map[inboxKey]*inbox.Message)}
}

func (repo *fakeInboxRepo) InsertIfAbsent(_ context.Context, msg *inbox.Message) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.insertErr != nil {
		return false, repo.insertErr
	}

	key := inboxKey{eventID: msg.EventID, handler: msg.HandlerName}
	if _, exists := repo.rows[key]; exists {
		return false, nil
	}

	copied := *msg
	repo.rows[key] = &copied

	return true, nil
}

func (repo *fakeInboxRepo) Get(_ context.Context, eventID uuid.UUID, handlerName string) (*inbox.Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: handlerName}]
	if !ok {
		return nil, inbox.ErrMessageNotFound
	}

	copied := *row

	return &copied, nil
}

func (repo *fakeInboxRepo) IncrementAttempts(_ context.Context, eventID uuid.UUID, handlerName string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: handlerName}]
	if !ok {
		return inbox.ErrMessageNotFound
	}

	row.Attempts++

	return nil
}

func (repo *fakeInboxRepo) MarkProcessed(_ context.Context, eventID uuid.UUID, handlerName string, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: handlerName}]
	if !ok {
		return inbox.ErrMessageNotFound
	}

	if row.ProcessedUTC == nil {
		row.ProcessedUTC = &processedAt
	}

	return nil
}

func (repo *fakeInboxRepo) row(eventID uuid.UUID, handlerName string) *inbox.Message {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.rows[inboxKey{eventID: eventID, handler: handlerName}]
}

type fakeDeliveryRepo struct {
	mu   sync.Mutex
	rows map[inboxKey]*inbox.Delivery
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{rows: make(map[inboxKey]*inbox.Delivery)}
}

func (repo *fakeDeliveryRepo) InsertIfAbsent(_ context.Context, delivery *inbox.Delivery) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	key := inboxKey{eventID: delivery.EventID, handler: delivery.Subscriber}
	if _, exists := repo.rows[key]; exists {
		return false, nil
	}

	copied := *delivery
	repo.rows[key] = &copied

	return true, nil
}

func (repo *fakeDeliveryRepo) Get(_ context.Context, eventID uuid.UUID, subscriber string) (*inbox.Delivery, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: subscriber}]
	if !ok {
		return nil, inbox.ErrDeliveryNotFound
	}

	copied := *row

	return &copied, nil
}

func (repo *fakeDeliveryRepo) MarkFailed(_ context.Context, eventID uuid.UUID, subscriber string, notBefore time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: subscriber}]
	if !ok {
		return inbox.ErrDeliveryNotFound
	}

	row.Attempts++
	row.DoNotProcessBeforeUTC = &notBefore

	return nil
}

func (repo *fakeDeliveryRepo) MarkProcessed(_ context.Context, eventID uuid.UUID, subscriber string, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	row, ok := repo.rows[inboxKey{eventID: eventID, handler: subscriber}]
	if !ok {
		return inbox.ErrDeliveryNotFound
	}

	if row.ProcessedUTC == nil {
		row.ProcessedUTC = &processedAt
	}

	return nil
}

type fakeSubscriber struct {
	mu         sync.Mutex
	calls      int32
	failures   int32
	lastOnMsg  rabbitmq.MessageHandler
	subscribed chan struct{}
}

func (sub *fakeSubscriber) Subscribe(ctx context.Context, _ string, _ []string, onMessage rabbitmq.MessageHandler) error {
	call := atomic.AddInt32(&sub.calls, 1)

	sub.mu.Lock()
	sub.lastOnMsg = onMessage
	sub.mu.Unlock()

	if call <= atomic.LoadInt32(&sub.failures) {
		return rabbitmq.ErrDeliveryStreamClosed
	}

	if sub.subscribed != nil {
		select {
		case sub.subscribed <- struct{}{}:
		default:
		}
	}

	<-ctx.Done()

	return ctx.Err()
}

func testRegistries(t *testing.T) (*event.TypeRegistry, *HandlerRegistry) {
	t.Helper()

	types := event.NewTypeRegistry()
	require.NoError(t, event.Register[orderPlaced](types))

	return types, NewHandlerRegistry()
}

func encodedEvent(t *testing.T) (*event.Envelope, []byte) {
	t.Helper()

	env, err := event.NewEnvelope(orderPlaced{OrderID: uuid.New()})
	require.NoError(t, err)

	body, err := env.Encode()
	require.NoError(t, err)

	return env, body
}

func newTestConsumer(t *testing.T, types *event.TypeRegistry, handlers *HandlerRegistry, inboxRepo inbox.Repository, opts ...Option) *Consumer {
	t.Helper()

	cfg := Config{
		ResubscribeBackoffBase: time.Millisecond,
		ResubscribeBackoffCap:  5 * time.Millisecond,
		RetryBackoffBase:       time.Nanosecond,
		RetryBackoffCap:        time.Nanosecond,
	}

	opts = append([]Option{WithConfig(cfg)}, opts...)

	consumer, err := NewConsumer(&fakeSubscriber{}, types, handlers, inboxRepo,
		map[string][]string{"painting.projects": {"order.placed.v1"}}, opts...)
	require.NoError(t, err)

	return consumer
}

func TestFanOutInvokesEveryHandlerExactlyOnce(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	var invocations sync.Map

	for _, name := range []string{"inventory", "billing", "notifications"} {
		name := name

		require.NoError(t, RegisterHandler(handlers, name,
			func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
				count, _ := invocations.LoadOrStore(name, new(int32))
				atomic.AddInt32(count.(*int32), 1)

				return nil
			}))
	}

	consumer := newTestConsumer(t, types, handlers, repo)
	env, body := encodedEvent(t)

	// Deliver twice to simulate broker redelivery of the same EventId.
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))

	for _, name := range []string{"inventory", "billing", "notifications"} {
		count, ok := invocations.Load(name)
		require.True(t, ok, "handler %s never ran", name)
		require.Equal(t, int32(1), atomic.LoadInt32(count.(*int32)), "handler %s", name)

		row := repo.row(env.EventID, name)
		require.NotNil(t, row)
		require.NotNil(t, row.ProcessedUTC)
		require.Equal(t, 1, row.Attempts)
	}
}

func TestHandlerFailurePropagatesThenSucceedsOnRedelivery(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	var attempts int32

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("stock service unavailable")
			}

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo)
	env, body := encodedEvent(t)

	err := consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil)
	require.Error(t, err)

	row := repo.row(env.EventID, "inventory")
	require.NotNil(t, row)
	require.Nil(t, row.ProcessedUTC)
	require.Equal(t, 1, row.Attempts)

	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.NotNil(t, repo.row(env.EventID, "inventory").ProcessedUTC)
	require.Equal(t, 2, repo.row(env.EventID, "inventory").Attempts)
}

func TestPartialFanOutFailureShieldsSucceededHandlers(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	var goodRuns, badRuns int32

	require.NoError(t, RegisterHandler(handlers, "good",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			atomic.AddInt32(&goodRuns, 1)

			return nil
		}))

	require.NoError(t, RegisterHandler(handlers, "bad",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			if atomic.AddInt32(&badRuns, 1) == 1 {
				return errors.New("transient handler fault")
			}

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo)
	_, body := encodedEvent(t)

	require.Error(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))

	// The good handler ran once; only the failed one was re-invoked.
	require.Equal(t, int32(1), atomic.LoadInt32(&goodRuns))
	require.Equal(t, int32(2), atomic.LoadInt32(&badRuns))
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	var invoked int32

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			atomic.AddInt32(&invoked, 1)

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo)

	env, err := event.NewEnvelopeFromPayload(event.Identity{Name: "order.cancelled", Version: 9}, []byte(`{}`))
	require.NoError(t, err)

	body, err := env.Encode()
	require.NoError(t, err)

	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.cancelled.v9", body, nil))
	require.Zero(t, atomic.LoadInt32(&invoked))

	// Subsequent known messages still flow.
	_, known := encodedEvent(t)
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", known, nil))
	require.Equal(t, int32(1), atomic.LoadInt32(&invoked))
}

func TestMalformedMessageIsDropped(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()
	consumer := newTestConsumer(t, types, handlers, repo)

	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", []byte("not an envelope"), nil))
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", []byte(`{"name":"order.placed","version":1}`), nil))
}

func TestAlreadyProcessedRowShortCircuits(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	var invoked int32

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			atomic.AddInt32(&invoked, 1)

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo)
	env, body := encodedEvent(t)

	processed := time.Now().UTC()
	msg, err := inbox.NewMessage(env.EventID, "inventory")
	require.NoError(t, err)
	msg.ProcessedUTC = &processed

	inserted, err := repo.InsertIfAbsent(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))
	require.Zero(t, atomic.LoadInt32(&invoked))
}

func TestHandlerPanicIsContainedAsError(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			panic("poisoned payload")
		}))

	consumer := newTestConsumer(t, types, handlers, repo)
	_, body := encodedEvent(t)

	require.NotPanics(t, func() {
		err := consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "panicked")
	})
}

func TestDeliveryAccountingEnforcesBackoffWindow(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()
	deliveries := newFakeDeliveryRepo()

	var invoked int32

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			atomic.AddInt32(&invoked, 1)

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo, WithDeliveryRepository(deliveries))
	env, body := encodedEvent(t)

	notBefore := time.Now().UTC().Add(time.Hour)
	delivery, err := inbox.NewDelivery(env.EventID, "inventory")
	require.NoError(t, err)
	delivery.DoNotProcessBeforeUTC = &notBefore

	inserted, err := deliveries.InsertIfAbsent(context.Background(), delivery)
	require.NoError(t, err)
	require.True(t, inserted)

	err = consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDeliveryNotDue)
	require.Zero(t, atomic.LoadInt32(&invoked))
}

func TestDeliveryAccountingRecordsFailureAndSuccess(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()
	deliveries := newFakeDeliveryRepo()

	var attempts int32

	require.NoError(t, RegisterHandler(handlers, "inventory",
		func(_ context.Context, _ *event.Envelope, _ orderPlaced) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient fault")
			}

			return nil
		}))

	consumer := newTestConsumer(t, types, handlers, repo, WithDeliveryRepository(deliveries))
	env, body := encodedEvent(t)

	require.Error(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))

	row, err := deliveries.Get(context.Background(), env.EventID, "inventory")
	require.NoError(t, err)
	require.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.DoNotProcessBeforeUTC)

	// The nanosecond backoff window has passed; redelivery succeeds.
	require.NoError(t, consumer.handleMessage(context.Background(), "painting.projects", "order.placed.v1", body, nil))

	row, err = deliveries.Get(context.Background(), env.EventID, "inventory")
	require.NoError(t, err)
	require.NotNil(t, row.ProcessedUTC)
}

func TestRunResubscribesAfterTransportFault(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()

	sub := &fakeSubscriber{failures: 2, subscribed: make(chan struct{}, 1)}

	consumer, err := NewConsumer(sub, types, handlers, repo,
		map[string][]string{"painting.projects": {"order.placed.v1"}},
		WithConfig(Config{
			ResubscribeBackoffBase: time.Millisecond,
			ResubscribeBackoffCap:  5 * time.Millisecond,
		}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- consumer.Run(ctx)
	}()

	select {
	case <-sub.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never recovered")
	}

	require.GreaterOrEqual(t, atomic.LoadInt32(&sub.calls), int32(3))

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	types, handlers := testRegistries(t)
	repo := newFakeInboxRepo()
	queues := map[string][]string{"q": {"t"}}

	_, err := NewConsumer(nil, types, handlers, repo, queues)
	require.ErrorIs(t, err, ErrSubscriberRequired)

	_, err = NewConsumer(&fakeSubscriber{}, nil, handlers, repo, queues)
	require.ErrorIs(t, err, ErrTypeRegistryRequired)

	_, err = NewConsumer(&fakeSubscriber{}, types, nil, repo, queues)
	require.ErrorIs(t, err, ErrHandlerRegistryRequired)

	_, err = NewConsumer(&fakeSubscriber{}, types, handlers, nil, queues)
	require.ErrorIs(t, err, ErrInboxRepositoryRequired)

	_, err = NewConsumer(&fakeSubscriber{}, types, handlers, repo, nil)
	require.ErrorIs(t, err, ErrQueueMapRequired)

	_, err = NewConsumer(&fakeSubscriber{}, types, handlers, repo, map[string][]string{"q": {}})
	require.ErrorIs(t, err, rabbitmq.ErrTopicsRequired)
}
