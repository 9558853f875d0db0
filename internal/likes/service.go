// Package likes toggles a user's like on a product under optimistic locking.
package likes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
)

const (
	defaultOptimisticRetries = 3
	conflictAggregate        = "like_relation"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type relationStore interface {
	Find(tx *gorm.DB, userID, productID uuid.UUID) (*models.LikeRelation, error)
	Insert(tx *gorm.DB, rel *models.LikeRelation) error
	UpdateVersioned(tx *gorm.DB, rel *models.LikeRelation) error
}

type ServiceParams struct {
	DB                txRunner
	Repository        relationStore
	Outbox            outbox.Emitter
	Logger            *logger.Logger
	Metrics           *metrics.PipelineMetrics
	OptimisticRetries int
}

type Service struct {
	db      txRunner
	repo    relationStore
	outbox  outbox.Emitter
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	retries int
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "database client is required")
	}
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "like repository is required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outbox emitter is required")
	}
	retries := params.OptimisticRetries
	if retries <= 0 {
		retries = defaultOptimisticRetries
	}
	return &Service{
		db:      params.DB,
		repo:    params.Repository,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
		retries: retries,
		now:     time.Now,
	}, nil
}

// Like activates the relation and queues PRODUCT_LIKED. It reports false when
// the product was already liked, in which case nothing is written.
func (s *Service) Like(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	return s.toggle(ctx, userID, productID, true)
}

// Unlike soft-deletes the relation and queues PRODUCT_UNLIKED. It reports
// false when there was no active like.
func (s *Service) Unlike(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	return s.toggle(ctx, userID, productID, false)
}

func (s *Service) toggle(ctx context.Context, userID, productID uuid.UUID, like bool) (bool, error) {
	if userID == uuid.Nil || productID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "user id and product id are required")
	}
	var changed bool
	onConflict := func(attempt int) {
		s.metrics.IncOptimisticConflict(conflictAggregate)
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"user_id":       userID.String(),
				"product_id":    productID.String(),
				"attempt_count": attempt,
			})
			s.logg.Warn(logCtx, "like toggle conflicted")
		}
	}
	err := db.RetryOnConflict(ctx, s.retries, onConflict, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			changed, err = s.apply(ctx, tx, userID, productID, like)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, userID, productID uuid.UUID, like bool) (bool, error) {
	rel, err := s.repo.Find(tx, userID, productID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if !like {
			return false, nil
		}
		rel = &models.LikeRelation{UserID: userID, ProductID: productID}
		if err := s.repo.Insert(tx, rel); err != nil {
			return false, err
		}
	case err != nil:
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load like relation")
	case rel.Active() == like:
		return false, nil
	default:
		if like {
			rel.DeletedAt = nil
		} else {
			now := s.now().UTC()
			rel.DeletedAt = &now
		}
		if err := s.repo.UpdateVersioned(tx, rel); err != nil {
			return false, err
		}
	}

	eventType := enums.EventProductLiked
	if !like {
		eventType = enums.EventProductUnliked
	}
	_, err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateProduct,
		AggregateID:   productID,
		Data:          payloads.ProductLikeEvent{ProductID: productID, UserID: userID},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
