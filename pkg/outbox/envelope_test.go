package outbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

func TestNewEventEnvelopeRoundTrip(t *testing.T) {
	aggregateID := uuid.New()
	env, err := NewEventEnvelope(enums.EventProductLiked, enums.AggregateProduct, aggregateID, map[string]string{"user_id": "u-1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID() == uuid.Nil || env.OccurredAt().IsZero() {
		t.Fatalf("expected id and timestamp to be stamped")
	}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	for _, key := range []string{"id", "type", "aggregateType", "aggregateId", "payload", "occurredAt"} {
		if _, ok := wire[key]; !ok {
			t.Fatalf("wire form missing %q: %s", key, raw)
		}
	}

	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(env) || decoded.AggregateID() != aggregateID || decoded.Type() != enums.EventProductLiked {
		t.Fatalf("decoded envelope mismatch: %+v", decoded)
	}
	if !decoded.OccurredAt().Equal(env.OccurredAt()) {
		t.Fatalf("occurredAt changed across the wire")
	}
	var body map[string]string
	if err := decoded.DecodePayload(&body); err != nil || body["user_id"] != "u-1" {
		t.Fatalf("payload mismatch %v %v", body, err)
	}
}

func TestNewEventEnvelopeValidation(t *testing.T) {
	cases := []struct {
		name          string
		eventType     enums.OutboxEventType
		aggregateType enums.OutboxAggregateType
		aggregateID   uuid.UUID
		data          any
	}{
		{"missing type", "", enums.AggregateCoupon, uuid.New(), nil},
		{"unknown type", "COUPON_ISSUED", enums.AggregateCoupon, uuid.New(), nil},
		{"unknown aggregate", enums.EventCouponUsed, "cart", uuid.New(), nil},
		{"nil aggregate id", enums.EventCouponUsed, enums.AggregateCoupon, uuid.Nil, nil},
		{"invalid raw payload", enums.EventCouponUsed, enums.AggregateCoupon, uuid.New(), json.RawMessage(`{"a":`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEventEnvelope(tc.eventType, tc.aggregateType, tc.aggregateID, tc.data)
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestNilPayloadBecomesEmptyObject(t *testing.T) {
	env, err := NewEventEnvelope(enums.EventOrderCreated, enums.AggregateOrder, uuid.New(), nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if string(env.Payload()) != "{}" {
		t.Fatalf("expected empty object, got %s", env.Payload())
	}
}

func TestPayloadIsCopied(t *testing.T) {
	env, err := NewEventEnvelope(enums.EventOrderCreated, enums.AggregateOrder, uuid.New(), json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	payload := env.Payload()
	payload[0] = 'x'
	if string(env.Payload()) != `{"a":1}` {
		t.Fatalf("envelope payload was mutated through accessor")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	missingID := `{"type":"ORDER_PAID","aggregateType":"order","aggregateId":"` + uuid.NewString() + `","payload":{}}`
	if _, err := DecodeEnvelope([]byte(missingID)); err == nil || !strings.Contains(err.Error(), "event id") {
		t.Fatalf("expected missing id error, got %v", err)
	}
}
