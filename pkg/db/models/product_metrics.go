package models

import (
	"time"

	"github.com/google/uuid"
)

// ProductMetrics holds the denormalized per-product counters.
type ProductMetrics struct {
	ProductID  uuid.UUID `gorm:"column:product_id;type:uuid;primaryKey"`
	LikeCount  int64     `gorm:"column:like_count;not null;default:0"`
	ViewCount  int64     `gorm:"column:view_count;not null;default:0"`
	SalesCount int64     `gorm:"column:sales_count;not null;default:0"`
	Version    int64     `gorm:"column:version;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProductMetrics) TableName() string { return "product_metrics" }
