package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

const maxDLQErrorLen = 1024

// DLQRepository stores messages a consumer handler gave up on, one row per
// (event, handler).
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// UpsertTx records the failure, refreshing an existing row for the same
// event and handler. A refreshed row is pending replay again.
func (r *DLQRepository) UpsertTx(tx *gorm.DB, entry *models.DeadLetter) error {
	if tx == nil {
		return errTxRequired
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}, {Name: "handler_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"payload",
			"error_reason",
			"error_message",
			"attempt_count",
			"failed_at",
			"replayed_at",
		}),
	}).Create(entry).Error
}

func (r *DLQRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.DeadLetter
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
		}
		return nil, err
	}
	return &row, nil
}

// FindByEventID returns nil, nil when the handler never dead-lettered the event.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID, handler string) (*models.DeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.DeadLetter
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND handler_name = ?", eventID, handler).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	HandlerName string
	Pending     bool
}

func (r *DLQRepository) List(ctx context.Context, filter ListFilter, limit int) ([]models.DeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Model(&models.DeadLetter{})
	if filter.HandlerName != "" {
		query = query.Where("handler_name = ?", filter.HandlerName)
	}
	if filter.Pending {
		query = query.Where("replayed_at IS NULL")
	}
	var rows []models.DeadLetter
	err := query.Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkReplayed stamps a successful replay.
func (r *DLQRepository) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res := r.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"replayed_at":  time.Now().UTC(),
			"replay_count": gorm.Expr("replay_count + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
	}
	return nil
}

func truncateDLQError(message string) string {
	return truncateText(message, maxDLQErrorLen)
}
