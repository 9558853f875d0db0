package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

// CouponUsedEvent is emitted when a redemption decrements a coupon.
type CouponUsedEvent struct {
	CouponID       uuid.UUID          `json:"coupon_id"`
	UserID         uuid.UUID          `json:"user_id"`
	OrderID        *uuid.UUID         `json:"order_id,omitempty"`
	Amount         decimal.Decimal    `json:"amount"`
	RemainingValue decimal.Decimal    `json:"remaining_value"`
	Status         enums.CouponStatus `json:"status"`
}

// ProductLikeEvent backs PRODUCT_LIKED and PRODUCT_UNLIKED.
type ProductLikeEvent struct {
	ProductID uuid.UUID `json:"product_id"`
	UserID    uuid.UUID `json:"user_id"`
}

// ProductViewedEvent records a product detail view.
type ProductViewedEvent struct {
	ProductID uuid.UUID  `json:"product_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
}

// OrderCreatedEvent is emitted with the order row in PENDING.
type OrderCreatedEvent struct {
	OrderID        uuid.UUID        `json:"order_id"`
	UserID         uuid.UUID        `json:"user_id"`
	CouponID       *uuid.UUID       `json:"coupon_id,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	DiscountAmount decimal.Decimal  `json:"discount_amount"`
	Items          types.OrderItems `json:"items"`
}

// PaymentRequestedEvent is emitted once the gateway accepted the request.
type PaymentRequestedEvent struct {
	OrderID        uuid.UUID       `json:"order_id"`
	TransactionKey string          `json:"transaction_key"`
	Amount         decimal.Decimal `json:"amount"`
	CallbackURL    string          `json:"callback_url"`
}

// OrderPaidEvent carries the items so read models can count sales.
type OrderPaidEvent struct {
	OrderID        uuid.UUID        `json:"order_id"`
	UserID         uuid.UUID        `json:"user_id"`
	TransactionKey string           `json:"transaction_key"`
	Amount         decimal.Decimal  `json:"amount"`
	Items          types.OrderItems `json:"items"`
	PaidAt         time.Time        `json:"paid_at"`
}

// PaymentFailedEvent covers both dispatch failures and FAILED callbacks.
type PaymentFailedEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	TransactionKey *string   `json:"transaction_key,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// PaymentCancelledEvent is emitted when a paid order is cancelled at the gateway.
type PaymentCancelledEvent struct {
	OrderID        uuid.UUID        `json:"order_id"`
	TransactionKey string           `json:"transaction_key"`
	Items          types.OrderItems `json:"items"`
}
