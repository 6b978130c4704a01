// Package postgres persists outbox messages in PostgreSQL. The domain and
// integration outboxes share this implementation and differ only in table
// name.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/opentelemetry"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/outbox"
	libPostgres "github.com/rbasniak/painting-projects-management-sub003/messaging/postgres"
)

const (
	maxSQLIdentifierLength = 63

	// DomainTableName and IntegrationTableName are the two shipped outbox
	// variants.
	DomainTableName      = "domain_outbox_messages"
	IntegrationTableName = "integration_outbox_messages"

	outboxColumns = "id, name, version, tenant_id, occurred_utc, correlation_id, causation_id, " +
		"payload, created_utc, processed_utc, attempts, do_not_process_before_utc, last_error"
)

var (
	ErrConnectionRequired = errors.New("postgres client is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

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

// WithTableName selects the outbox table. Defaults to the domain outbox.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox messages in PostgreSQL.
type Repository struct {
	client    *libPostgres.Client
	logger    log.Logger
	tracer    trace.Tracer
	tableName string
}

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:    client,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("messaging.outbox.postgres"),
		tableName: DomainTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = DomainTableName
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// CreateWithTx stores a new outbox message inside the caller's transaction.
// The insert commits or rolls back together with the business write.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, msg *outbox.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if msg == nil {
		return outbox.ErrMessageRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_outbox_message")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "INSERT INTO " + table +
		" (id, name, version, tenant_id, occurred_utc, correlation_id, causation_id, payload, created_utc, attempts)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

	createdUTC := msg.CreatedUTC
	if createdUTC.IsZero() {
		createdUTC = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, query,
		msg.ID,
		msg.Name,
		msg.Version,
		msg.TenantID,
		msg.OccurredUTC,
		msg.CorrelationID,
		msg.CausationID,
		[]byte(msg.Payload),
		createdUTC,
		msg.Attempts,
	); err != nil {
		opentelemetry.HandleSpanError(span, "failed to create outbox message", err)
		log.SafeError(repo.logger, ctx, "failed to create outbox message", err)

		return fmt.Errorf("creating outbox message: %w", err)
	}

	return nil
}

// GetByID retrieves an outbox message by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return nil, ErrConnectionRequired
	}

	if id == uuid.Nil {
		return nil, outbox.ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	db, err := repo.client.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

	msg, err := scanMessage(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrMessageNotFound
		}

		opentelemetry.HandleSpanError(span, "failed to get outbox message", err)
		log.SafeError(repo.logger, ctx, "failed to get outbox message", err)

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return msg, nil
}

// ListDue retrieves unprocessed messages whose eligibility window has passed,
// oldest first. Reads always hit the primary so a lagging replica cannot
// re-surface rows a concurrent dispatcher already processed.
func (repo *Repository) ListDue(ctx context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return nil, ErrConnectionRequired
	}

	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.list_outbox_due")
	defer span.End()

	db, err := repo.client.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE processed_utc IS NULL" +
		" AND (do_not_process_before_utc IS NULL OR do_not_process_before_utc <= $1)" +
		" ORDER BY created_utc ASC LIMIT $2"

	rows, err := db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list due outbox messages", err)
		log.SafeError(repo.logger, ctx, "failed to list due outbox messages", err)

		return nil, fmt.Errorf("listing due messages: %w", err)
	}

	defer rows.Close()

	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		msg, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox message: %w", scanErr)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}

// MarkProcessed records successful publication. The update is conditional on
// the row still being unprocessed, so concurrent dispatchers settle through
// the database rather than in-process locks.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if id == uuid.Nil {
		return outbox.ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_processed")
	defer span.End()

	db, err := repo.client.GetDB(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET processed_utc = $1, last_error = NULL" +
		" WHERE id = $2 AND processed_utc IS NULL"

	result, err := db.ExecContext(ctx, query, processedAt.UTC(), id)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox message processed", err)
		log.SafeError(repo.logger, ctx, "failed to mark outbox message processed", err)

		return fmt.Errorf("marking processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return outbox.ErrAlreadyProcessed
	}

	return nil
}

// MarkFailed counts the attempt, stores the sanitized error, and pushes the
// eligibility window to notBefore.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, notBefore time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if repo == nil || repo.client == nil {
		return ErrConnectionRequired
	}

	if id == uuid.Nil {
		return outbox.ErrIDRequired
	}

	errMsg = outbox.SanitizeErrorMessageForStorage(errMsg)

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	db, err := repo.client.GetDB(ctx)
	if err != nil {
		return err
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table +
		" SET attempts = attempts + 1, last_error = $1, do_not_process_before_utc = $2" +
		" WHERE id = $3 AND processed_utc IS NULL"

	result, err := db.ExecContext(ctx, query, errMsg, notBefore.UTC(), id)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox message failed", err)
		log.SafeError(repo.logger, ctx, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return outbox.ErrAlreadyProcessed
	}

	return nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var (
		msg       outbox.Message
		payload   []byte
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.Name,
		&msg.Version,
		&msg.TenantID,
		&msg.OccurredUTC,
		&msg.CorrelationID,
		&msg.CausationID,
		&payload,
		&msg.CreatedUTC,
		&msg.ProcessedUTC,
		&msg.Attempts,
		&msg.DoNotProcessBeforeUTC,
		&lastError,
	); err != nil {
		return nil, err
	}

	msg.Payload = payload

	if lastError.Valid {
		msg.LastError = lastError.String
	}

	return &msg, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
