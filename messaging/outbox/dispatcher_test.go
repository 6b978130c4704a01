//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/publish"
)

type fakeRepo struct {
	mu               sync.Mutex
	messages         map[uuid.UUID]*Message
	order            []uuid.UUID
	markProcessedErr error
	markFailedErr    error
	listDueErr       error
	created          []*Message
}

func newFakeRepo(messages ...*Message) *fakeRepo {
	repo := &fakeRepo{messages: make(map[uuid.UUID]*Message)}

	for _, msg := range messages {
		repo.messages[msg.ID] = msg
		repo.order = append(repo.order, msg.ID)
	}

	return repo
}

func (repo *fakeRepo) CreateWithTx(_ context.Context, _ Tx, msg *Message) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.created = append(repo.created, msg)
	repo.messages[msg.ID] = msg
	repo.order = append(repo.order, msg.ID)

	return nil
}

func (repo *fakeRepo) ListDue(_ context.Context, limit int, now time.Time) ([]*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.listDueErr != nil {
		return nil, repo.listDueErr
	}

	due := make([]*Message, 0, limit)

	for _, id := range repo.order {
		if len(due) == limit {
			break
		}

		if msg := repo.messages[id]; msg.Due(now) {
			copied := *msg
			due = append(due, &copied)
		}
	}

	return due, nil
}

func (repo *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	msg, ok := repo.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	return msg, nil
}

func (repo *fakeRepo) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.markProcessedErr != nil {
		return repo.markProcessedErr
	}

	msg, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	if msg.ProcessedUTC != nil {
		return ErrAlreadyProcessed
	}

	msg.ProcessedUTC = &processedAt

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, notBefore time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.markFailedErr != nil {
		return repo.markFailedErr
	}

	msg, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	msg.Attempts++
	msg.LastError = errMsg
	msg.DoNotProcessBeforeUTC = &notBefore

	return nil
}

func (repo *fakeRepo) get(id uuid.UUID) *Message {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.messages[id]
}

type fakePublisher struct {
	mu        sync.Mutex
	failUntil int32
	calls     int32
	err       error
	published []string
}

func (pub *fakePublisher) Publish(_ context.Context, routingKey string, _ []byte, _ map[string]any) error {
	call := atomic.AddInt32(&pub.calls, 1)

	if pub.err != nil && call <= pub.failUntil {
		return pub.err
	}

	if pub.err != nil && pub.failUntil == 0 {
		return pub.err
	}

	pub.mu.Lock()
	pub.published = append(pub.published, routingKey)
	pub.mu.Unlock()

	return nil
}

func (pub *fakePublisher) routingKeys() []string {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	return append([]string(nil), pub.published...)
}

func testMessage(t *testing.T) *Message {
	t.Helper()

	env, err := event.NewEnvelopeFromPayload(
		event.Identity{Name: "paint.stock_depleted", Version: 1},
		[]byte(`{"quantity":3}`),
	)
	require.NoError(t, err)

	msg, err := NewMessage(env)
	require.NoError(t, err)

	return msg
}

func fastDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: 10 * time.Millisecond,
		BatchSize:        10,
		RetryBackoffBase: time.Nanosecond,
		RetryBackoffCap:  time.Nanosecond,
	}
}

func TestAppendWritesInsideTransaction(t *testing.T) {
	repo := newFakeRepo()

	env, err := event.NewEnvelopeFromPayload(
		event.Identity{Name: "model.created", Version: 1},
		[]byte(`{}`),
	)
	require.NoError(t, err)

	msg, err := Append(context.Background(), repo, &sql.Tx{}, env)
	require.NoError(t, err)
	require.Len(t, repo.created, 1)
	require.Equal(t, env.EventID, msg.ID)
	require.Nil(t, msg.ProcessedUTC)
}

func TestAppendRequiresTransaction(t *testing.T) {
	repo := newFakeRepo()

	env, err := event.NewEnvelopeFromPayload(
		event.Identity{Name: "model.created", Version: 1},
		[]byte(`{}`),
	)
	require.NoError(t, err)

	_, err = Append(context.Background(), repo, nil, env)
	require.ErrorIs(t, err, ErrTransactionRequired)

	_, err = Append(context.Background(), nil, &sql.Tx{}, env)
	require.ErrorIs(t, err, ErrRepositoryRequired)
}

func TestDispatchOncePublishesDueMessages(t *testing.T) {
	first := testMessage(t)
	second := testMessage(t)
	repo := newFakeRepo(first, second)
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 2, result.Published)
	require.Zero(t, result.Failed)
	require.Zero(t, result.StateUpdateFailed)

	require.Equal(t, []string{"paint.stock_depleted.v1", "paint.stock_depleted.v1"}, pub.routingKeys())
	require.NotNil(t, repo.get(first.ID).ProcessedUTC)
	require.NotNil(t, repo.get(second.ID).ProcessedUTC)
}

func TestDispatchSkipsMessagesInsideBackoffWindow(t *testing.T) {
	due := testMessage(t)
	future := time.Now().UTC().Add(time.Hour)
	parked := testMessage(t)
	parked.DoNotProcessBeforeUTC = &future

	repo := newFakeRepo(due, parked)
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Processed)
	require.NotNil(t, repo.get(due.ID).ProcessedUTC)
	require.Nil(t, repo.get(parked.ID).ProcessedUTC)
}

func TestTransientFailuresEventuallyProcessExactlyOnce(t *testing.T) {
	msg := testMessage(t)
	repo := newFakeRepo(msg)
	pub := &fakePublisher{err: errors.New("broker unreachable"), failUntil: 2}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	ctx := context.Background()

	for range 5 {
		dispatcher.DispatchOnceResult(ctx)
		time.Sleep(time.Millisecond)
	}

	stored := repo.get(msg.ID)
	require.NotNil(t, stored.ProcessedUTC)
	require.Equal(t, 2, stored.Attempts)
	require.Len(t, pub.routingKeys(), 1)
}

func TestPublishFailureMarksFailedWithBackoffWindow(t *testing.T) {
	msg := testMessage(t)
	repo := newFakeRepo(msg)
	pub := &fakePublisher{err: &publish.PermanentError{Err: errors.New("access refused")}}

	cfg := fastDispatcherConfig()
	cfg.RetryBackoffBase = time.Hour
	cfg.RetryBackoffCap = time.Hour

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(cfg))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Published)

	stored := repo.get(msg.ID)
	require.Nil(t, stored.ProcessedUTC)
	require.Equal(t, 1, stored.Attempts)
	require.NotEmpty(t, stored.LastError)
	require.NotNil(t, stored.DoNotProcessBeforeUTC)
}

func TestStateUpdateFailureIsCounted(t *testing.T) {
	msg := testMessage(t)
	repo := newFakeRepo(msg)
	repo.markProcessedErr = errors.New("connection reset")
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Published)
	require.Equal(t, 1, result.StateUpdateFailed)
}

func TestAlreadyProcessedConflictIsBenign(t *testing.T) {
	msg := testMessage(t)
	repo := newFakeRepo(msg)
	repo.markProcessedErr = ErrAlreadyProcessed
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Equal(t, 1, result.Published)
	require.Zero(t, result.StateUpdateFailed)
}

func TestListDueErrorYieldsEmptyResult(t *testing.T) {
	repo := newFakeRepo()
	repo.listDueErr = errors.New("db down")
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	result := dispatcher.DispatchOnceResult(context.Background())
	require.Zero(t, result.Processed)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}

	dispatcher, err := NewDispatcher(repo, pub, WithConfig(fastDispatcherConfig()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	require.ErrorIs(t, dispatcher.Run(ctx), ErrDispatcherRunning)

	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(nil, &fakePublisher{})
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}
