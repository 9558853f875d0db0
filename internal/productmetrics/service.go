package productmetrics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
	"github.com/angelmondragon/commerce-pipeline/pkg/redis"
)

const defaultCacheTTL = 5 * time.Minute

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Snapshot is the cached, read-only view of a product's counters.
type Snapshot struct {
	ProductID  uuid.UUID `json:"productId"`
	LikeCount  int64     `json:"likeCount"`
	ViewCount  int64     `json:"viewCount"`
	SalesCount int64     `json:"salesCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ServiceParams struct {
	DB         txRunner
	Repository *Repository
	Outbox     outbox.Emitter
	Cache      redis.Cache
	CacheTTL   time.Duration
	Logger     *logger.Logger
}

type Service struct {
	db     txRunner
	repo   *Repository
	outbox outbox.Emitter
	cache  redis.Cache
	ttl    time.Duration
	logg   *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "database client is required")
	}
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "metrics repository is required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outbox emitter is required")
	}
	ttl := params.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		db:     params.DB,
		repo:   params.Repository,
		outbox: params.Outbox,
		cache:  params.Cache,
		ttl:    ttl,
		logg:   params.Logger,
	}, nil
}

// RecordView queues PRODUCT_VIEWED. The counter itself is advanced by the
// streamer so the hot row is never locked on the request path.
func (s *Service) RecordView(ctx context.Context, productID uuid.UUID, userID *uuid.UUID) (outbox.EventEnvelope, error) {
	if productID == uuid.Nil {
		return outbox.EventEnvelope{}, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	var envelope outbox.EventEnvelope
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		envelope, err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventProductViewed,
			AggregateType: enums.AggregateProduct,
			AggregateID:   productID,
			Data:          payloads.ProductViewedEvent{ProductID: productID, UserID: userID},
		})
		return err
	})
	return envelope, err
}

// Get returns the product's counters, preferring the cache. A product with no
// recorded activity yields a zero snapshot.
func (s *Service) Get(ctx context.Context, productID uuid.UUID) (Snapshot, error) {
	if productID == uuid.Nil {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if snap, ok := s.fromCache(ctx, productID); ok {
		return snap, nil
	}

	snap := Snapshot{ProductID: productID}
	row, err := s.repo.FindByProductID(ctx, productID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product metrics")
	default:
		snap.LikeCount = row.LikeCount
		snap.ViewCount = row.ViewCount
		snap.SalesCount = row.SalesCount
		snap.UpdatedAt = row.UpdatedAt
	}
	s.storeCache(ctx, snap)
	return snap, nil
}

func (s *Service) fromCache(ctx context.Context, productID uuid.UUID) (Snapshot, bool) {
	if s.cache == nil {
		return Snapshot{}, false
	}
	raw, err := s.cache.Get(ctx, s.cache.ProductMetricsKey(productID.String()))
	if err != nil {
		if !redis.IsMiss(err) && s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "product_id", productID.String()), "product metrics cache read failed")
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Service) storeCache(ctx context.Context, snap Snapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cache.ProductMetricsKey(snap.ProductID.String()), string(raw), s.ttl); err != nil && s.logg != nil {
		s.logg.Warn(s.logg.WithField(ctx, "product_id", snap.ProductID.String()), "product metrics cache write failed")
	}
}
