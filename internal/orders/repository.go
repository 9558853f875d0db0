package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

var errTxRequired = errors.New("transaction required")

// Repository persists orders and their payment state.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(tx *gorm.DB, order *models.Order) error {
	if tx == nil {
		return errTxRequired
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return tx.Create(order).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// ListStaleRequested returns orders still REQUESTED whose last change is
// older than before, oldest first.
func (r *Repository) ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND updated_at < ?", enums.PaymentStatusRequested, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FindForUpdate reads the order holding its row lock until tx ends.
func (r *Repository) FindForUpdate(tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdatePayment writes the payment fields guarded by the order version.
func (r *Repository) UpdatePayment(tx *gorm.DB, order *models.Order) error {
	if tx == nil {
		return errTxRequired
	}
	now := time.Now().UTC()
	res := tx.Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]any{
			"payment_status":               order.PaymentStatus,
			"last_gateway_transaction_key": order.LastGatewayTransactionKey,
			"failure_reason":               order.FailureReason,
			"payment_dispatched_at":        order.PaymentDispatchedAt,
			"version":                      gorm.Expr("version + 1"),
			"updated_at":                   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConcurrentModification, "order was modified concurrently")
	}
	order.Version++
	order.UpdatedAt = now
	return nil
}
