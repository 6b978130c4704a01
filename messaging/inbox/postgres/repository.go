// Package postgres persists inbox rows and per-subscriber delivery
// accounting in PostgreSQL. The conflict-ignored insert against the
// composite primary key is the atomic insert-if-absent the consumer's
// deduplication rests on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/inbox"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/opentelemetry"
	libPostgres "github.com/rbasniak/painting-projects-management-sub003/messaging/postgres"
)

const (
	inboxTable      = "inbox_messages"
	deliveriesTable = "integration_deliveries"

	inboxColumns    = "event_id, handler_name, attempts, received_utc, processed_utc"
	deliveryColumns = "event_id, subscriber, attempts, processed_utc, do_not_process_before_utc"
)

var ErrConnectionRequired = errors.New("postgres client is required")

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// Repository persists inbox rows and delivery accounting in PostgreSQL. It
// implements both inbox.Repository and inbox.DeliveryRepository.
type Repository struct {
	client *libPostgres.Client
	logger log.Logger
	tracer trace.Tracer
}

// NewRepository creates a PostgreSQL inbox repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client: client,
		logger: log.NewNop(),
		tracer: otel.Tracer("messaging.inbox.postgres"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

// InsertIfAbsent writes the inbox row unless the (event_id, handler_name)
// pair already exists. A rejected insert is the benign "another consumer
// already claimed this" signal.
func (repo *Repository) InsertIfAbsent(ctx context.Context, msg *inbox.Message) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return false, ErrConnectionRequired
	}

	if msg == nil {
		return false, inbox.ErrMessageRequired
	}

	if msg.EventID == uuid.Nil {
		return false, inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(msg.HandlerName) == "" {
		return false, inbox.ErrHandlerNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.insert_inbox_message")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	receivedUTC := msg.ReceivedUTC
	if receivedUTC.IsZero() {
		receivedUTC = time.Now().UTC()
	}

	query := "INSERT INTO " + inboxTable + " (event_id, handler_name, attempts, received_utc)" +
		" VALUES ($1, $2, $3, $4) ON CONFLICT (event_id, handler_name) DO NOTHING"

	result, err := db.ExecContext(ctx, query, msg.EventID, msg.HandlerName, msg.Attempts, receivedUTC)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to insert inbox message", err)
		log.SafeError(repo.logger, ctx, "failed to insert inbox message", err)

		return false, fmt.Errorf("inserting inbox message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

// Get returns the inbox row for (eventID, handlerName). Reads hit the
// primary because the row may have been written microseconds earlier by this
// same consumer instance.
func (repo *Repository) Get(ctx context.Context, eventID uuid.UUID, handlerName string) (*inbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return nil, ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return nil, inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(handlerName) == "" {
		return nil, inbox.ErrHandlerNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_inbox_message")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + inboxColumns + " FROM " + inboxTable +
		" WHERE event_id = $1 AND handler_name = $2"

	var msg inbox.Message

	if err := db.QueryRowContext(ctx, query, eventID, handlerName).Scan(
		&msg.EventID,
		&msg.HandlerName,
		&msg.Attempts,
		&msg.ReceivedUTC,
		&msg.ProcessedUTC,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrMessageNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get inbox message", err)
		log.SafeError(repo.logger, ctx, "failed to get inbox message", err)

		return nil, fmt.Errorf("getting inbox message: %w", err)
	}

	return &msg, nil
}

// IncrementAttempts bumps the attempts counter before a handler invocation.
func (repo *Repository) IncrementAttempts(ctx context.Context, eventID uuid.UUID, handlerName string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(handlerName) == "" {
		return inbox.ErrHandlerNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.increment_inbox_attempts")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + inboxTable + " SET attempts = attempts + 1" +
		" WHERE event_id = $1 AND handler_name = $2"

	result, err := db.ExecContext(ctx, query, eventID, handlerName)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to increment inbox attempts", err)
		log.SafeError(repo.logger, ctx, "failed to increment inbox attempts", err)

		return fmt.Errorf("incrementing attempts: %w", err)
	}

	return ensureFound(result, inbox.ErrMessageNotFound)
}

// MarkProcessed records successful handler completion.
func (repo *Repository) MarkProcessed(ctx context.Context, eventID uuid.UUID, handlerName string, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(handlerName) == "" {
		return inbox.ErrHandlerNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_inbox_processed")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + inboxTable + " SET processed_utc = $1" +
		" WHERE event_id = $2 AND handler_name = $3 AND processed_utc IS NULL"

	// Zero affected rows means another consumer instance already marked the
	// row; that is an idempotent no-op.
	if _, err := db.ExecContext(ctx, query, processedAt.UTC(), eventID, handlerName); err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark inbox message processed", err)
		log.SafeError(repo.logger, ctx, "failed to mark inbox message processed", err)

		return fmt.Errorf("marking processed: %w", err)
	}

	return nil
}

// Deliveries exposes the per-subscriber accounting store backed by the same
// client.
func (repo *Repository) Deliveries() *DeliveryRepository {
	if repo == nil {
		return nil
	}

	return &DeliveryRepository{
		client: repo.client,
		logger: repo.logger,
		tracer: repo.tracer,
	}
}

// DeliveryRepository persists per-subscriber delivery accounting.
type DeliveryRepository struct {
	client *libPostgres.Client
	logger log.Logger
	tracer trace.Tracer
}

// NewDeliveryRepository creates a PostgreSQL delivery-accounting repository.
func NewDeliveryRepository(client *libPostgres.Client, opts ...Option) (*DeliveryRepository, error) {
	base, err := NewRepository(client, opts...)
	if err != nil {
		return nil, err
	}

	return base.Deliveries(), nil
}

// InsertIfAbsent writes the delivery row unless the (event_id, subscriber)
// pair already exists.
func (repo *DeliveryRepository) InsertIfAbsent(ctx context.Context, delivery *inbox.Delivery) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return false, ErrConnectionRequired
	}

	if delivery == nil {
		return false, inbox.ErrDeliveryRequired
	}

	if delivery.EventID == uuid.Nil {
		return false, inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(delivery.Subscriber) == "" {
		return false, inbox.ErrSubscriberNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.insert_delivery")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	query := "INSERT INTO " + deliveriesTable + " (event_id, subscriber, attempts)" +
		" VALUES ($1, $2, $3) ON CONFLICT (event_id, subscriber) DO NOTHING"

	result, err := db.ExecContext(ctx, query, delivery.EventID, delivery.Subscriber, delivery.Attempts)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to insert delivery record", err)
		log.SafeError(repo.logger, ctx, "failed to insert delivery record", err)

		return false, fmt.Errorf("inserting delivery record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

// Get returns the delivery row for (eventID, subscriber).
func (repo *DeliveryRepository) Get(ctx context.Context, eventID uuid.UUID, subscriber string) (*inbox.Delivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return nil, ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return nil, inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(subscriber) == "" {
		return nil, inbox.ErrSubscriberNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_delivery")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + deliveryColumns + " FROM " + deliveriesTable +
		" WHERE event_id = $1 AND subscriber = $2"

	var delivery inbox.Delivery

	if err := db.QueryRowContext(ctx, query, eventID, subscriber).Scan(
		&delivery.EventID,
		&delivery.Subscriber,
		&delivery.Attempts,
		&delivery.ProcessedUTC,
		&delivery.DoNotProcessBeforeUTC,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrDeliveryNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get delivery record", err)
		log.SafeError(repo.logger, ctx, "failed to get delivery record", err)

		return nil, fmt.Errorf("getting delivery record: %w", err)
	}

	return &delivery, nil
}

// MarkFailed counts the attempt and pushes the subscriber's eligibility
// window to notBefore.
func (repo *DeliveryRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, subscriber string, notBefore time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(subscriber) == "" {
		return inbox.ErrSubscriberNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_delivery_failed")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + deliveriesTable +
		" SET attempts = attempts + 1, do_not_process_before_utc = $1" +
		" WHERE event_id = $2 AND subscriber = $3 AND processed_utc IS NULL"

	result, err := db.ExecContext(ctx, query, notBefore.UTC(), eventID, subscriber)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark delivery failed", err)
		log.SafeError(repo.logger, ctx, "failed to mark delivery failed", err)

		return fmt.Errorf("marking delivery failed: %w", err)
	}

	return ensureFound(result, inbox.ErrDeliveryNotFound)
}

// MarkProcessed records successful completion for the subscriber.
func (repo *DeliveryRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID, subscriber string, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if eventID == uuid.Nil {
		return inbox.ErrEventIDRequired
	}

	if strings.TrimSpace(subscriber) == "" {
		return inbox.ErrSubscriberNameRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_delivery_processed")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + deliveriesTable + " SET processed_utc = $1" +
		" WHERE event_id = $2 AND subscriber = $3 AND processed_utc IS NULL"

	// Zero affected rows means another consumer instance already marked the
	// row; that is an idempotent no-op.
	if _, err := db.ExecContext(ctx, query, processedAt.UTC(), eventID, subscriber); err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark delivery processed", err)
		log.SafeError(repo.logger, ctx, "failed to mark delivery processed", err)

		return fmt.Errorf("marking delivery processed: %w", err)
	}

	return nil
}

func ensureFound(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
