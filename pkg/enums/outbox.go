package enums

import "fmt"

// OutboxAggregateType names the aggregate an event belongs to.
type OutboxAggregateType string

const (
	AggregateCoupon  OutboxAggregateType = "coupon"
	AggregateProduct OutboxAggregateType = "product"
	AggregateOrder   OutboxAggregateType = "order"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateCoupon,
	AggregateProduct,
	AggregateOrder,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType is the closed set of events the pipeline carries.
type OutboxEventType string

const (
	EventCouponUsed       OutboxEventType = "COUPON_USED"
	EventProductLiked     OutboxEventType = "PRODUCT_LIKED"
	EventProductUnliked   OutboxEventType = "PRODUCT_UNLIKED"
	EventProductViewed    OutboxEventType = "PRODUCT_VIEWED"
	EventOrderCreated     OutboxEventType = "ORDER_CREATED"
	EventPaymentRequested OutboxEventType = "PAYMENT_REQUESTED"
	EventOrderPaid        OutboxEventType = "ORDER_PAID"
	EventPaymentFailed    OutboxEventType = "PAYMENT_FAILED"
	EventPaymentCancelled OutboxEventType = "PAYMENT_CANCELLED"
)

var validOutboxEventTypes = []OutboxEventType{
	EventCouponUsed,
	EventProductLiked,
	EventProductUnliked,
	EventProductViewed,
	EventOrderCreated,
	EventPaymentRequested,
	EventOrderPaid,
	EventPaymentFailed,
	EventPaymentCancelled,
}

// String implements fmt.Stringer.
func (e OutboxEventType) String() string {
	return string(e)
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxStatus tracks an outbox row through the relay.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusSent,
	OutboxStatusFailed,
}

func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}
