package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so appending an outbox row composes with
// the caller's existing database/sql transaction without adapter layers:
// the business state and the intent to publish commit or roll back together.
type Tx = *sql.Tx

// Repository defines persistence for one outbox table. The dispatcher is the
// only writer after creation.
type Repository interface {
	// CreateWithTx appends msg inside the caller's open transaction. It
	// never publishes.
	CreateWithTx(ctx context.Context, tx Tx, msg *Message) error

	// ListDue returns up to limit unprocessed messages whose backoff window
	// has elapsed at now, ordered by CreatedUTC ascending.
	ListDue(ctx context.Context, limit int, now time.Time) ([]*Message, error)

	// GetByID loads a single message.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// MarkProcessed stamps ProcessedUTC. The update is conditional on the
	// row being unprocessed, so concurrent dispatcher instances settle on a
	// single effective completion.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// MarkFailed increments Attempts, records the sanitized error, and sets
	// DoNotProcessBeforeUTC so the row is skipped until the backoff elapses.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, notBefore time.Time) error
}
