// Package inbox implements consumer-side idempotency: one row per
// (event id, handler name) recorded with an atomic insert-if-absent, so
// redelivered messages short-circuit instead of re-running handlers.
package inbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one handler's processing record for one event. The composite
// (EventID, HandlerName) identity is enforced by a unique constraint in
// storage; that constraint is the correctness primitive for deduplication
// under at-least-once delivery and concurrent consumer instances.
type Message struct {
	EventID      uuid.UUID
	HandlerName  string
	Attempts     int
	ReceivedUTC  time.Time
	ProcessedUTC *time.Time
}

// NewMessage builds an unprocessed inbox row for one handler.
func NewMessage(eventID uuid.UUID, handlerName string) (*Message, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	if strings.TrimSpace(handlerName) == "" {
		return nil, ErrHandlerNameRequired
	}

	return &Message{
		EventID:     eventID,
		HandlerName: handlerName,
		ReceivedUTC: time.Now().UTC(),
	}, nil
}

// Processed reports whether the handler already completed this event.
func (msg *Message) Processed() bool {
	return msg != nil && msg.ProcessedUTC != nil
}

// Delivery is the per-subscriber accounting row for one event. Unlike the
// inbox row it carries its own eligibility window, so one failing subscriber
// backs off independently without delaying the others.
type Delivery struct {
	EventID               uuid.UUID
	Subscriber            string
	Attempts              int
	ProcessedUTC          *time.Time
	DoNotProcessBeforeUTC *time.Time
}

// NewDelivery builds an unprocessed delivery row for one subscriber.
func NewDelivery(eventID uuid.UUID, subscriber string) (*Delivery, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	if strings.TrimSpace(subscriber) == "" {
		return nil, ErrSubscriberNameRequired
	}

	return &Delivery{
		EventID:    eventID,
		Subscriber: subscriber,
	}, nil
}

// Processed reports whether the subscriber already completed this event.
func (delivery *Delivery) Processed() bool {
	return delivery != nil && delivery.ProcessedUTC != nil
}

// Due reports whether the subscriber may attempt this event at now: not yet
// processed and past any failure backoff window.
func (delivery *Delivery) Due(now time.Time) bool {
	if delivery == nil || delivery.ProcessedUTC != nil {
		return false
	}

	return delivery.DoNotProcessBeforeUTC == nil || !delivery.DoNotProcessBeforeUTC.After(now)
}
