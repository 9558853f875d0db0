package likes

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
)

var errTxRequired = errors.New("transaction required")

// Repository stores like relations. Soft-deleted rows are kept so the
// version keeps advancing across like/unlike cycles.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Find returns the relation including soft-deleted rows.
func (r *Repository) Find(tx *gorm.DB, userID, productID uuid.UUID) (*models.LikeRelation, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	var rel models.LikeRelation
	err := tx.Where("user_id = ? AND product_id = ?", userID, productID).First(&rel).Error
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// Insert creates a new active relation. A concurrent insert of the same pair
// surfaces as CodeConcurrentModification.
func (r *Repository) Insert(tx *gorm.DB, rel *models.LikeRelation) error {
	if tx == nil {
		return errTxRequired
	}
	if err := tx.Create(rel).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConcurrentModification, err, "like relation created concurrently")
		}
		return err
	}
	return nil
}

// UpdateVersioned writes deleted_at only when the stored version matches.
func (r *Repository) UpdateVersioned(tx *gorm.DB, rel *models.LikeRelation) error {
	if tx == nil {
		return errTxRequired
	}
	now := time.Now().UTC()
	res := tx.Model(&models.LikeRelation{}).
		Where("user_id = ? AND product_id = ? AND version = ?", rel.UserID, rel.ProductID, rel.Version).
		Updates(map[string]any{
			"deleted_at": rel.DeletedAt,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConcurrentModification, "like relation was modified concurrently")
	}
	rel.Version++
	rel.UpdatedAt = now
	return nil
}
