// Package productmetrics maintains the per-product like, view and sales
// counters and serves them through a read-through cache.
package productmetrics

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

var errTxRequired = errors.New("transaction required")

// Delta is a signed change to each counter.
type Delta struct {
	Likes int64
	Views int64
	Sales int64
}

func (d Delta) IsZero() bool {
	return d.Likes == 0 && d.Views == 0 && d.Sales == 0
}

func (d Delta) Add(other Delta) Delta {
	return Delta{Likes: d.Likes + other.Likes, Views: d.Views + other.Views, Sales: d.Sales + other.Sales}
}

// Mutator applies deltas under an exclusive row lock. Concurrent mutators of
// the same product queue behind the lock instead of retrying.
type Mutator struct{}

func NewMutator() *Mutator {
	return &Mutator{}
}

// Apply creates the metrics row if needed, locks it for the rest of tx and
// writes the new counters. Counters never drop below zero.
func (m *Mutator) Apply(tx *gorm.DB, productID uuid.UUID, delta Delta) (*models.ProductMetrics, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}

	seed := models.ProductMetrics{ProductID: productID, UpdatedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}

	var row models.ProductMetrics
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productID).
		First(&row).Error; err != nil {
		return nil, err
	}
	if delta.IsZero() {
		return &row, nil
	}

	row.LikeCount = floor(row.LikeCount + delta.Likes)
	row.ViewCount = floor(row.ViewCount + delta.Views)
	row.SalesCount = floor(row.SalesCount + delta.Sales)
	row.UpdatedAt = time.Now().UTC()
	err := tx.Model(&models.ProductMetrics{}).
		Where("product_id = ?", productID).
		Updates(map[string]any{
			"like_count":  row.LikeCount,
			"view_count":  row.ViewCount,
			"sales_count": row.SalesCount,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  row.UpdatedAt,
		}).Error
	if err != nil {
		return nil, err
	}
	row.Version++
	return &row, nil
}

func floor(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Repository reads committed metrics rows.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByProductID(ctx context.Context, productID uuid.UUID) (*models.ProductMetrics, error) {
	var row models.ProductMetrics
	if err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
