package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
)

// DeadLetter captures a message a consumer handler could not apply.
type DeadLetter struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	EventID       uuid.UUID                 `gorm:"column:event_id;type:uuid;not null"`
	HandlerName   string                    `gorm:"column:handler_name;not null"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;type:varchar(64);not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;type:varchar(64);not null"`
	AggregateID   uuid.UUID                 `gorm:"column:aggregate_id;type:uuid"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;not null"`
	ErrorReason   enums.DeadLetterReason    `gorm:"column:error_reason;type:varchar(32);not null"`
	ErrorMessage  *string                   `gorm:"column:error_message"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0"`
	OccurredAt    time.Time                 `gorm:"column:occurred_at;not null"`
	FailedAt      time.Time                 `gorm:"column:failed_at;not null"`
	ReplayedAt    *time.Time                `gorm:"column:replayed_at"`
	ReplayCount   int                       `gorm:"column:replay_count;not null;default:0"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
}
