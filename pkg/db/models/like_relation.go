package models

import (
	"time"

	"github.com/google/uuid"
)

// LikeRelation links a user to a liked product. Unlike soft-deletes the row.
type LikeRelation struct {
	UserID    uuid.UUID  `gorm:"column:user_id;type:uuid;primaryKey"`
	ProductID uuid.UUID  `gorm:"column:product_id;type:uuid;primaryKey"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
	Version   int64      `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Active reports whether the like is currently in effect.
func (l LikeRelation) Active() bool {
	return l.DeletedAt == nil
}
