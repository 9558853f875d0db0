// Package idempotency records which handlers have applied which events.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
)

// ErrAlreadyHandled is returned by MarkHandled when the pair was recorded by
// an earlier delivery. Callers roll back and acknowledge.
var ErrAlreadyHandled = errors.New("event already handled")

// Ledger is the insert-only event_handled table. Marks are written in the
// same transaction as the handler's side effects, so a mark exists exactly
// when the effects committed.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(conn *gorm.DB) (*Ledger, error) {
	if conn == nil {
		return nil, errors.New("db is required")
	}
	return &Ledger{db: conn, now: time.Now}, nil
}

// MarkHandled claims (eventID, handler) inside tx.
func (l *Ledger) MarkHandled(tx *gorm.DB, eventID uuid.UUID, handler string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if err := validateKey(eventID, handler); err != nil {
		return err
	}
	row := models.EventHandled{
		EventID:     eventID,
		HandlerName: strings.TrimSpace(handler),
		HandledAt:   l.now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error, "") {
			return ErrAlreadyHandled
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyHandled
	}
	return nil
}

// IsHandled reports whether the pair has a committed mark.
func (l *Ledger) IsHandled(ctx context.Context, eventID uuid.UUID, handler string) (bool, error) {
	if err := validateKey(eventID, handler); err != nil {
		return false, err
	}
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.EventHandled{}).
		Where("event_id = ? AND handler_name = ?", eventID, strings.TrimSpace(handler)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func validateKey(eventID uuid.UUID, handler string) error {
	if eventID == uuid.Nil {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(handler) == "" {
		return errors.New("handler name is required")
	}
	return nil
}
