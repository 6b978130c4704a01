// Package outbox implements the transactional outbox: messages recorded
// atomically with a business write and later drained to the broker by the
// dispatcher.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/event"
)

// Message is one pending event in an outbox table. Domain and integration
// variants share this shape and differ only in which table stores them.
//
// A message is created in the same transaction as the triggering business
// mutation and mutated only by the dispatcher: Attempts and
// DoNotProcessBeforeUTC grow on failure, ProcessedUTC is set exactly once on
// success. Rows are never deleted by this subsystem.
type Message struct {
	ID                    uuid.UUID
	Name                  string
	Version               int16
	TenantID              uuid.UUID
	OccurredUTC           time.Time
	CorrelationID         uuid.UUID
	CausationID           uuid.UUID
	Payload               json.RawMessage
	CreatedUTC            time.Time
	ProcessedUTC          *time.Time
	Attempts              int
	DoNotProcessBeforeUTC *time.Time
	LastError             string
}

// NewMessage builds an outbox message from a wire envelope, ready to be
// appended inside the caller's transaction.
func NewMessage(env *event.Envelope) (*Message, error) {
	if env == nil {
		return nil, ErrMessageRequired
	}

	if env.EventID == uuid.Nil {
		return nil, event.ErrEventIDRequired
	}

	if env.Name == "" {
		return nil, event.ErrEventNameRequired
	}

	if len(env.Payload) == 0 {
		return nil, event.ErrPayloadRequired
	}

	return &Message{
		ID:            env.EventID,
		Name:          env.Name,
		Version:       env.Version,
		TenantID:      env.TenantID,
		OccurredUTC:   env.OccurredUTC.UTC(),
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Payload:       env.Payload,
		CreatedUTC:    time.Now().UTC(),
	}, nil
}

// Envelope reconstructs the wire envelope from the stored columns.
func (msg *Message) Envelope() *event.Envelope {
	return &event.Envelope{
		Header: event.Header{
			EventID:       msg.ID,
			Name:          msg.Name,
			Version:       msg.Version,
			TenantID:      msg.TenantID,
			OccurredUTC:   msg.OccurredUTC,
			CorrelationID: msg.CorrelationID,
			CausationID:   msg.CausationID,
		},
		Payload: msg.Payload,
	}
}

// Identity returns the message's (name, version) pair.
func (msg *Message) Identity() event.Identity {
	return event.Identity{Name: msg.Name, Version: msg.Version}
}

// Due reports whether the message is eligible for dispatch at now: not yet
// processed and past any backoff window.
func (msg *Message) Due(now time.Time) bool {
	if msg == nil || msg.ProcessedUTC != nil {
		return false
	}

	return msg.DoNotProcessBeforeUTC == nil || !msg.DoNotProcessBeforeUTC.After(now)
}
