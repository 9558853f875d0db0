package coupons

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

// Repository persists coupons. Mutations take the caller's transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(tx *gorm.DB, coupon *models.Coupon) error {
	if tx == nil {
		return errTxRequired
	}
	if coupon.ID == uuid.Nil {
		coupon.ID = uuid.New()
	}
	return tx.Create(coupon).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&coupon).Error; err != nil {
		return nil, err
	}
	return &coupon, nil
}

// ListExpirable returns ISSUED coupons whose expiry is at or before now.
func (r *Repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Coupon, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Coupon
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", enums.CouponStatusIssued, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FindForUpdate reads the coupon holding a row lock until tx ends.
func (r *Repository) FindForUpdate(tx *gorm.DB, id uuid.UUID) (*models.Coupon, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	var coupon models.Coupon
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&coupon).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// UpdateVersioned writes status and remaining value only if the stored
// version still matches coupon.Version, then advances coupon.Version.
func (r *Repository) UpdateVersioned(tx *gorm.DB, coupon *models.Coupon) error {
	if tx == nil {
		return errTxRequired
	}
	now := time.Now().UTC()
	res := tx.Model(&models.Coupon{}).
		Where("id = ? AND version = ?", coupon.ID, coupon.Version).
		Updates(map[string]any{
			"status":          coupon.Status,
			"remaining_value": coupon.RemainingValue,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConcurrentModification, "coupon was modified concurrently")
	}
	coupon.Version++
	coupon.UpdatedAt = now
	return nil
}
