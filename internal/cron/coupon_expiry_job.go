package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
)

type couponLister interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Coupon, error)
}

type couponExpirer interface {
	Expire(ctx context.Context, couponID uuid.UUID) (*models.Coupon, error)
}

type CouponExpiryJobParams struct {
	Logger    *logger.Logger
	Coupons   couponLister
	Expirer   couponExpirer
	BatchSize int
}

// NewCouponExpiryJob expires ISSUED coupons past their expiry through the
// coupon service's version-checked write. A coupon redeemed in the meantime
// loses the race and is left alone.
func NewCouponExpiryJob(params CouponExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Coupons == nil || params.Expirer == nil {
		return nil, fmt.Errorf("coupon repository and expirer required")
	}
	return &couponExpiryJob{
		logg:    params.Logger,
		coupons: params.Coupons,
		expirer: params.Expirer,
		batch:   orDefault(params.BatchSize, defaultBatchSize),
		now:     time.Now,
	}, nil
}

type couponExpiryJob struct {
	logg    *logger.Logger
	coupons couponLister
	expirer couponExpirer
	batch   int
	now     func() time.Time
	expired int64
}

func (j *couponExpiryJob) Name() string { return "coupon-expiry" }

func (j *couponExpiryJob) LastAffected() int64 { return j.expired }

func (j *couponExpiryJob) Run(ctx context.Context) error {
	j.expired = 0
	rows, err := j.coupons.ListExpirable(ctx, j.now().UTC(), j.batch)
	if err != nil {
		return fmt.Errorf("list expirable coupons: %w", err)
	}
	var skipped int
	for _, coupon := range rows {
		if _, err := j.expirer.Expire(ctx, coupon.ID); err != nil {
			if lostRace(err) {
				skipped++
				continue
			}
			return fmt.Errorf("expire coupon %s: %w", coupon.ID, err)
		}
		j.expired++
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"expired":    j.expired,
		"skipped":    skipped,
	})
	j.logg.Info(logCtx, "coupon expiry complete")
	return nil
}

// lostRace reports errors meaning the coupon moved on between listing and
// expiring it.
func lostRace(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeStateConflict, pkgerrors.CodeConcurrentModification:
		return true
	}
	return false
}
