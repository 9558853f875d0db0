package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

// EventEnvelope describes what happened to an aggregate. It is immutable once
// built; its serialized form is both the outbox payload and the bus message.
type EventEnvelope struct {
	id            uuid.UUID
	eventType     enums.OutboxEventType
	aggregateType enums.OutboxAggregateType
	aggregateID   uuid.UUID
	payload       json.RawMessage
	occurredAt    time.Time
}

type wireEnvelope struct {
	ID            uuid.UUID                 `json:"id"`
	Type          enums.OutboxEventType     `json:"type"`
	AggregateType enums.OutboxAggregateType `json:"aggregateType"`
	AggregateID   uuid.UUID                 `json:"aggregateId"`
	Payload       json.RawMessage           `json:"payload"`
	OccurredAt    time.Time                 `json:"occurredAt"`
}

// NewEventEnvelope validates the inputs and stamps a fresh id and timestamp.
// data may be a pre-encoded json.RawMessage or any JSON-marshalable value.
func NewEventEnvelope(eventType enums.OutboxEventType, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID, data any) (EventEnvelope, error) {
	payload, err := encodePayload(data)
	if err != nil {
		return EventEnvelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode event payload")
	}
	env := EventEnvelope{
		id:            uuid.New(),
		eventType:     eventType,
		aggregateType: aggregateType,
		aggregateID:   aggregateID,
		payload:       payload,
		occurredAt:    time.Now().UTC(),
	}
	if err := env.validate(); err != nil {
		return EventEnvelope{}, err
	}
	return env, nil
}

// DecodeEnvelope parses the wire form produced by Marshal.
func DecodeEnvelope(data []byte) (EventEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return EventEnvelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event envelope")
	}
	env := EventEnvelope{
		id:            wire.ID,
		eventType:     wire.Type,
		aggregateType: wire.AggregateType,
		aggregateID:   wire.AggregateID,
		payload:       cloneRaw(wire.Payload),
		occurredAt:    wire.OccurredAt,
	}
	if env.id == uuid.Nil {
		return EventEnvelope{}, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	if err := env.validate(); err != nil {
		return EventEnvelope{}, err
	}
	return env, nil
}

func (e EventEnvelope) validate() error {
	if e.eventType == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event type is required")
	}
	if !e.eventType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown event type %q", e.eventType))
	}
	if !e.aggregateType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown aggregate type %q", e.aggregateType))
	}
	if e.aggregateID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "aggregate id is required")
	}
	return nil
}

func (e EventEnvelope) ID() uuid.UUID                            { return e.id }
func (e EventEnvelope) Type() enums.OutboxEventType              { return e.eventType }
func (e EventEnvelope) AggregateType() enums.OutboxAggregateType { return e.aggregateType }
func (e EventEnvelope) AggregateID() uuid.UUID                   { return e.aggregateID }
func (e EventEnvelope) OccurredAt() time.Time                    { return e.occurredAt }

// Payload returns a copy of the serialized body.
func (e EventEnvelope) Payload() json.RawMessage {
	return cloneRaw(e.payload)
}

// DecodePayload unmarshals the body into target.
func (e EventEnvelope) DecodePayload(target any) error {
	if len(e.payload) == 0 {
		return fmt.Errorf("payload missing for %s", e.eventType)
	}
	return json.Unmarshal(e.payload, target)
}

// Equal compares envelopes by id.
func (e EventEnvelope) Equal(other EventEnvelope) bool {
	return e.id == other.id
}

// IsZero reports whether the envelope was never built.
func (e EventEnvelope) IsZero() bool {
	return e.id == uuid.Nil
}

// Marshal returns the stable wire form.
func (e EventEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		Type:          e.eventType,
		AggregateType: e.aggregateType,
		AggregateID:   e.aggregateID,
		Payload:       e.payload,
		OccurredAt:    e.occurredAt,
	})
}

// MarshalJSON implements json.Marshaler.
func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	return e.Marshal()
}

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return normalizeRaw(v)
	case []byte:
		return normalizeRaw(v)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func normalizeRaw(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return cloneRaw(trimmed), nil
}

func cloneRaw(raw []byte) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
