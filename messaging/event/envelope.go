package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes caps the serialized payload accepted into an
// envelope.
const DefaultMaxPayloadBytes = 1 << 20

var (
	ErrEventIDRequired     = errors.New("event id is required")
	ErrEventNameRequired   = errors.New("event name is required")
	ErrPayloadRequired     = errors.New("event payload is required")
	ErrPayloadTooLarge     = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("event payload must be valid JSON")
	ErrMalformedEnvelope   = errors.New("malformed event envelope")
	ErrEventNotRegistrable = errors.New("event type does not report an identity")
)

// Identity is the static (name, version) identity carried by every event
// type. It is the unit of resolution for both the type registry and the
// subscriber registry.
type Identity struct {
	Name    string
	Version int16
}

// RoutingKey returns the broker routing key for this identity: the event
// name suffixed with its version ("paint.stock_depleted.v1").
func (id Identity) RoutingKey() string {
	return fmt.Sprintf("%s.v%d", id.Name, id.Version)
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.RoutingKey()
}

// Event is the marker implemented by every publishable event type.
type Event interface {
	EventIdentity() Identity
}

// Header carries the envelope identity metadata. EventID is immutable once
// created and is the deduplication key across the whole pipeline.
type Header struct {
	EventID       uuid.UUID `json:"eventId"`
	Name          string    `json:"name"`
	Version       int16     `json:"version"`
	TenantID      uuid.UUID `json:"tenantId"`
	OccurredUTC   time.Time `json:"occurredUtc"`
	CorrelationID uuid.UUID `json:"correlationId"`
	CausationID   uuid.UUID `json:"causationId"`
}

// Identity returns the (name, version) pair of the header.
func (h Header) Identity() Identity {
	return Identity{Name: h.Name, Version: h.Version}
}

// Envelope is the wire representation: the header fields flattened alongside
// a payload field carrying the typed body as JSON.
type Envelope struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// EnvelopeOption customizes envelope construction.
type EnvelopeOption func(*Envelope)

// WithEventID overrides the generated event id. Used when the caller already
// allocated the id inside its transaction.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(env *Envelope) {
		if id != uuid.Nil {
			env.EventID = id
		}
	}
}

// WithTenantID stamps the envelope with the tenant that raised the event.
func WithTenantID(id uuid.UUID) EnvelopeOption {
	return func(env *Envelope) {
		env.TenantID = id
	}
}

// WithCorrelationID propagates the correlation id of the triggering context.
func WithCorrelationID(id uuid.UUID) EnvelopeOption {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// WithCausationID records the id of the message that caused this event.
func WithCausationID(id uuid.UUID) EnvelopeOption {
	return func(env *Envelope) {
		env.CausationID = id
	}
}

// WithOccurredUTC overrides the occurrence timestamp.
func WithOccurredUTC(ts time.Time) EnvelopeOption {
	return func(env *Envelope) {
		if !ts.IsZero() {
			env.OccurredUTC = ts.UTC()
		}
	}
}

// NewEnvelope wraps evt into an envelope with a fresh event id, serializing
// the event body as the payload.
func NewEnvelope(evt Event, opts ...EnvelopeOption) (*Envelope, error) {
	if evt == nil {
		return nil, ErrEventNotRegistrable
	}

	identity := evt.EventIdentity()
	if strings.TrimSpace(identity.Name) == "" {
		return nil, ErrEventNameRequired
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	return NewEnvelopeFromPayload(identity, payload, opts...)
}

// NewEnvelopeFromPayload wraps an already-serialized payload. The payload
// must be valid JSON and within the size cap.
func NewEnvelopeFromPayload(identity Identity, payload []byte, opts ...EnvelopeOption) (*Envelope, error) {
	if strings.TrimSpace(identity.Name) == "" {
		return nil, ErrEventNameRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	env := &Envelope{
		Header: Header{
			EventID:     uuid.New(),
			Name:        identity.Name,
			Version:     identity.Version,
			OccurredUTC: time.Now().UTC(),
		},
		Payload: payload,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}

	return env, nil
}

// Encode serializes the envelope for the wire.
func (env *Envelope) Encode() ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return data, nil
}

// Decode deserializes a full envelope, validating the header.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if err := validateHeader(env.Header); err != nil {
		return nil, err
	}

	return &env, nil
}

// PeekHeader deserializes only the header fields of a wire envelope. The
// consumer uses it to resolve the event type before paying for a full decode.
func PeekHeader(data []byte) (Header, error) {
	var header Header

	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if err := validateHeader(header); err != nil {
		return Header{}, err
	}

	return header, nil
}

func validateHeader(header Header) error {
	if header.EventID == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, ErrEventIDRequired)
	}

	if strings.TrimSpace(header.Name) == "" {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, ErrEventNameRequired)
	}

	return nil
}
