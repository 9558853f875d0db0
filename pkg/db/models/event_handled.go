package models

import (
	"time"

	"github.com/google/uuid"
)

// EventHandled records that a handler applied an event. Insert-only.
type EventHandled struct {
	EventID     uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey"`
	HandlerName string    `gorm:"column:handler_name;primaryKey"`
	HandledAt   time.Time `gorm:"column:handled_at;not null"`
}

func (EventHandled) TableName() string { return "event_handled" }
