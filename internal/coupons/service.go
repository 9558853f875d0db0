// Package coupons redeems and expires stored-value coupons.
package coupons

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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

const defaultOptimisticRetries = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// RedeemInput describes one redemption against a coupon.
type RedeemInput struct {
	CouponID uuid.UUID
	UserID   uuid.UUID
	Amount   decimal.Decimal
	OrderID  *uuid.UUID
}

type ServiceParams struct {
	DB                txRunner
	Repository        *Repository
	Outbox            outbox.Emitter
	Logger            *logger.Logger
	Metrics           *metrics.PipelineMetrics
	OptimisticRetries int
}

type Service struct {
	db      txRunner
	repo    *Repository
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
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon repository is required")
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

// Redeem locks the coupon row, decrements its remaining value and queues
// COUPON_USED, all inside tx. The coupon is USED once it reaches zero.
// Failures are final and must not be retried by the caller.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, input RedeemInput) (*models.Coupon, error) {
	if input.CouponID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "redemption amount must be positive")
	}

	coupon, err := s.repo.FindForUpdate(tx, input.CouponID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "coupon not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock coupon")
	}
	if err := s.checkUsable(coupon, input); err != nil {
		return nil, err
	}

	coupon.RemainingValue = coupon.RemainingValue.Sub(input.Amount)
	if coupon.RemainingValue.IsZero() {
		coupon.Status = enums.CouponStatusUsed
	}
	if err := s.repo.UpdateVersioned(tx, coupon); err != nil {
		return nil, err
	}

	_, err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCouponUsed,
		AggregateType: enums.AggregateCoupon,
		AggregateID:   coupon.ID,
		Data: payloads.CouponUsedEvent{
			CouponID:       coupon.ID,
			UserID:         coupon.UserID,
			OrderID:        input.OrderID,
			Amount:         input.Amount,
			RemainingValue: coupon.RemainingValue,
			Status:         coupon.Status,
		},
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

func (s *Service) checkUsable(coupon *models.Coupon, input RedeemInput) error {
	details := map[string]any{
		"coupon_id": coupon.ID.String(),
		"status":    coupon.Status,
	}
	switch {
	case input.UserID != uuid.Nil && coupon.UserID != input.UserID:
		return pkgerrors.New(pkgerrors.CodeCouponNotUsable, "coupon belongs to another user").WithDetails(details)
	case coupon.Status != enums.CouponStatusIssued:
		return pkgerrors.New(pkgerrors.CodeCouponNotUsable, "coupon is not issued").WithDetails(details)
	case coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(s.now()):
		return pkgerrors.New(pkgerrors.CodeCouponNotUsable, "coupon has expired").WithDetails(details)
	case coupon.RemainingValue.LessThan(input.Amount):
		details["remaining_value"] = coupon.RemainingValue.String()
		details["requested"] = input.Amount.String()
		return pkgerrors.New(pkgerrors.CodeCouponNotUsable, "insufficient coupon value").WithDetails(details)
	}
	return nil
}

// Expire moves an ISSUED coupon past its expiry to EXPIRED with a
// version-checked write, retrying the read on concurrent modification.
func (s *Service) Expire(ctx context.Context, couponID uuid.UUID) (*models.Coupon, error) {
	if couponID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id is required")
	}
	var result *models.Coupon
	onConflict := func(attempt int) {
		s.metrics.IncOptimisticConflict(string(enums.AggregateCoupon))
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"coupon_id":     couponID.String(),
				"attempt_count": attempt,
			})
			s.logg.Warn(logCtx, "coupon expiry conflicted")
		}
	}
	err := db.RetryOnConflict(ctx, s.retries, onConflict, func(ctx context.Context) error {
		coupon, err := s.repo.FindByID(ctx, couponID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "coupon not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
		}
		switch {
		case coupon.Status == enums.CouponStatusExpired:
			result = coupon
			return nil
		case coupon.Status != enums.CouponStatusIssued:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only issued coupons can expire")
		case coupon.ExpiresAt == nil || coupon.ExpiresAt.After(s.now()):
			return pkgerrors.New(pkgerrors.CodeStateConflict, "coupon has not reached its expiry")
		}
		coupon.Status = enums.CouponStatusExpired
		if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			return s.repo.UpdateVersioned(tx, coupon)
		}); err != nil {
			return err
		}
		result = coupon
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
