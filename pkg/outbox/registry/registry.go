// Package registry knows every event type the outbox may carry: the
// aggregate it belongs to, the topic it travels on and its payload schema.
package registry

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
)

type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

// ResolvedEvent is an outbox row checked against its descriptor.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.EventEnvelope
	Payload    any
}

// NonRetryableError marks a row or message that will fail the same way on
// every attempt. The relay parks it as FAILED; the consumer dead-letters it.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func permanent(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}

type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// describe builds a descriptor whose payload decodes into a fresh *T.
func describe[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) EventDescriptor {
	return EventDescriptor{
		EventType:      eventType,
		AggregateType:  aggregate,
		Topic:          topic,
		PayloadFactory: func() any { return new(T) },
	}
}

// NewEventRegistry routes each aggregate family to its own topic, so the
// ordering key (the aggregate id) orders all of an aggregate's events.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	var missing []error
	for name, topic := range map[string]string{"coupons": cfg.CouponsTopic, "products": cfg.ProductsTopic, "orders": cfg.OrdersTopic} {
		if topic == "" {
			missing = append(missing, fmt.Errorf("%s topic is required", name))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	coupons, products, orders := enums.AggregateCoupon, enums.AggregateProduct, enums.AggregateOrder
	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		describe[payloads.CouponUsedEvent](enums.EventCouponUsed, coupons, cfg.CouponsTopic),

		describe[payloads.ProductLikeEvent](enums.EventProductLiked, products, cfg.ProductsTopic),
		describe[payloads.ProductLikeEvent](enums.EventProductUnliked, products, cfg.ProductsTopic),
		describe[payloads.ProductViewedEvent](enums.EventProductViewed, products, cfg.ProductsTopic),

		describe[payloads.OrderCreatedEvent](enums.EventOrderCreated, orders, cfg.OrdersTopic),
		describe[payloads.PaymentRequestedEvent](enums.EventPaymentRequested, orders, cfg.OrdersTopic),
		describe[payloads.OrderPaidEvent](enums.EventOrderPaid, orders, cfg.OrdersTopic),
		describe[payloads.PaymentFailedEvent](enums.EventPaymentFailed, orders, cfg.OrdersTopic),
		describe[payloads.PaymentCancelledEvent](enums.EventPaymentCancelled, orders, cfg.OrdersTopic),
	} {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve checks a row against its descriptor and decodes the payload. Every
// failure is a NonRetryableError: the stored bytes never change.
func (r *EventRegistry) Resolve(row models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[row.EventType]
	switch {
	case !ok:
		return nil, permanent("unsupported event type %s", row.EventType)
	case desc.AggregateType != row.AggregateType:
		return nil, permanent("aggregate mismatch: expected %s got %s", desc.AggregateType, row.AggregateType)
	case row.AggregateID == uuid.Nil:
		return nil, permanent("missing aggregate_id")
	}

	envelope, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return nil, permanent("decode envelope: %w", err)
	}
	if envelope.ID() != row.ID {
		return nil, permanent("envelope id %s does not match row %s", envelope.ID(), row.ID)
	}
	payload, err := decode(desc, envelope)
	if err != nil {
		return nil, err
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}

// DecodePayload types the payload of an envelope received off the bus.
func (r *EventRegistry) DecodePayload(envelope outbox.EventEnvelope) (any, error) {
	desc, ok := r.entries[envelope.Type()]
	if !ok {
		return nil, permanent("unsupported event type %s", envelope.Type())
	}
	return decode(desc, envelope)
}

func decode(desc EventDescriptor, envelope outbox.EventEnvelope) (any, error) {
	raw := bytes.TrimSpace(envelope.Payload())
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, permanent("payload missing for %s", desc.EventType)
	}
	payload := desc.PayloadFactory()
	if err := envelope.DecodePayload(payload); err != nil {
		return nil, permanent("decode %s payload: %w", desc.EventType, err)
	}
	return payload, nil
}
