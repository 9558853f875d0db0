package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
)

// Coupon is a stored-value coupon owned by a single user.
type Coupon struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID         uuid.UUID          `gorm:"column:user_id;type:uuid;not null"`
	Status         enums.CouponStatus `gorm:"column:status;type:varchar(16);not null;default:'ISSUED'"`
	RemainingValue decimal.Decimal    `gorm:"column:remaining_value;type:numeric(14,2);not null"`
	ExpiresAt      *time.Time         `gorm:"column:expires_at"`
	Version        int64              `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
