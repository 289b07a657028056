package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds payloads stored as JSONB alongside the entry.
const DefaultMaxPayloadBytes = 1 << 20

// Envelope is one immutable fact about a state change. EventID is the sole
// identity used for deduplication; the payload is opaque to the transport.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   *uuid.UUID      `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Option customizes envelope creation.
type Option func(*Envelope)

// WithCorrelationID propagates an existing correlation chain. Without it a
// fresh correlation id is assigned (root event).
func WithCorrelationID(correlationID uuid.UUID) Option {
	return func(env *Envelope) {
		if correlationID != uuid.Nil {
			env.CorrelationID = correlationID
		}
	}
}

// WithCausationID records the event or command that directly caused this one.
func WithCausationID(causationID uuid.UUID) Option {
	return func(env *Envelope) {
		if causationID != uuid.Nil {
			id := causationID
			env.CausationID = &id
		}
	}
}

// WithSchemaVersion pins the envelope to an explicit schema version instead of
// the latest registered one.
func WithSchemaVersion(version int) Option {
	return func(env *Envelope) {
		if version > 0 {
			env.SchemaVersion = version
		}
	}
}

// WithOccurredAt overrides the originating state-change timestamp. The default
// is the creation time, which is only correct when the envelope is created
// inside the originating transaction.
func WithOccurredAt(occurredAt time.Time) Option {
	return func(env *Envelope) {
		if !occurredAt.IsZero() {
			env.OccurredAt = occurredAt.UTC()
		}
	}
}

// New creates a validated envelope with a fresh event id. The payload is
// checked against the registered schema for the event type; validation
// failures are reported before the event can reach the outbox.
func New(
	registry *Registry,
	eventType string,
	aggregateID uuid.UUID,
	payload []byte,
	opts ...Option,
) (*Envelope, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrAggregateIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	env := &Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New(),
		Payload:       append(json.RawMessage(nil), payload...),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}

	if env.SchemaVersion == 0 {
		version, ok := registry.LatestVersion(eventType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotRegistered, eventType)
		}

		env.SchemaVersion = version
	}

	if err := registry.Validate(eventType, env.SchemaVersion, env.Payload); err != nil {
		return nil, err
	}

	return env, nil
}

// Encode serializes the envelope to its JSON wire format.
func (env *Envelope) Encode() ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	return data, nil
}

// Decode parses an envelope from its JSON wire format. Unknown top-level
// fields from newer producers are ignored, never a parse failure.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

func (env *Envelope) validate() error {
	if env == nil {
		return ErrEnvelopeInvalid
	}

	if env.EventID == uuid.Nil {
		return fmt.Errorf("%w: event_id", ErrEnvelopeInvalid)
	}

	if strings.TrimSpace(env.EventType) == "" {
		return fmt.Errorf("%w: event_type", ErrEnvelopeInvalid)
	}

	if env.SchemaVersion <= 0 {
		return fmt.Errorf("%w: schema_version", ErrEnvelopeInvalid)
	}

	if env.AggregateID == uuid.Nil {
		return fmt.Errorf("%w: aggregate_id", ErrEnvelopeInvalid)
	}

	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: payload", ErrEnvelopeInvalid)
	}

	return nil
}
