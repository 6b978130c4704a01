package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists inbox rows. InsertIfAbsent must be atomic with respect
// to the (EventID, HandlerName) unique constraint: a rejected insert is the
// expected "another consumer already claimed this" signal, not an error.
type Repository interface {
	// InsertIfAbsent writes the row unless one already exists for the same
	// (EventID, HandlerName). Returns true when this call created the row.
	InsertIfAbsent(ctx context.Context, msg *Message) (bool, error)

	// Get returns the row for (eventID, handlerName), or ErrMessageNotFound.
	Get(ctx context.Context, eventID uuid.UUID, handlerName string) (*Message, error)

	// IncrementAttempts bumps the attempts counter before a handler invocation.
	IncrementAttempts(ctx context.Context, eventID uuid.UUID, handlerName string) error

	// MarkProcessed records successful handler completion.
	MarkProcessed(ctx context.Context, eventID uuid.UUID, handlerName string, processedAt time.Time) error
}

// DeliveryRepository persists per-subscriber delivery accounting. Rows give
// each subscriber an independent attempts counter and backoff window.
type DeliveryRepository interface {
	// InsertIfAbsent writes the row unless one already exists for the same
	// (EventID, Subscriber). Returns true when this call created the row.
	InsertIfAbsent(ctx context.Context, delivery *Delivery) (bool, error)

	// Get returns the row for (eventID, subscriber), or ErrDeliveryNotFound.
	Get(ctx context.Context, eventID uuid.UUID, subscriber string) (*Delivery, error)

	// MarkFailed bumps the attempts counter and pushes the subscriber's
	// eligibility window to notBefore.
	MarkFailed(ctx context.Context, eventID uuid.UUID, subscriber string, notBefore time.Time) error

	// MarkProcessed records successful completion for the subscriber.
	MarkProcessed(ctx context.Context, eventID uuid.UUID, subscriber string, processedAt time.Time) error
}
