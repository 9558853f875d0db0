package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

// Order carries the payment lifecycle reconciled against the gateway.
type Order struct {
	ID                        uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UserID                    uuid.UUID           `gorm:"column:user_id;type:uuid;not null"`
	CouponID                  *uuid.UUID          `gorm:"column:coupon_id;type:uuid"`
	Amount                    decimal.Decimal     `gorm:"column:amount;type:numeric(14,2);not null"`
	DiscountAmount            decimal.Decimal     `gorm:"column:discount_amount;type:numeric(14,2);not null;default:0"`
	Items                     types.OrderItems    `gorm:"column:items;type:jsonb;serializer:json"`
	PaymentStatus             enums.PaymentStatus `gorm:"column:payment_status;type:varchar(16);not null;default:'PENDING'"`
	LastGatewayTransactionKey *string             `gorm:"column:last_gateway_transaction_key"`
	FailureReason             *string             `gorm:"column:failure_reason"`
	PaymentDispatchedAt       *time.Time          `gorm:"column:payment_dispatched_at"`
	Version                   int64               `gorm:"column:version;not null;default:0"`
	CreatedAt                 time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                 time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// PayableAmount is the amount charged after the coupon discount.
func (o Order) PayableAmount() decimal.Decimal {
	payable := o.Amount.Sub(o.DiscountAmount)
	if payable.IsNegative() {
		return decimal.Zero
	}
	return payable
}
