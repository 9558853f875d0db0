// Package orders places orders, redeeming an optional coupon in the same
// transaction.
package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/internal/coupons"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type couponRedeemer interface {
	Redeem(ctx context.Context, tx *gorm.DB, input coupons.RedeemInput) (*models.Coupon, error)
}

// CreateInput describes a new order. Discount is drawn from CouponID when set.
type CreateInput struct {
	UserID   uuid.UUID
	Items    types.OrderItems
	Amount   decimal.Decimal
	CouponID *uuid.UUID
	Discount decimal.Decimal
}

type ServiceParams struct {
	DB         txRunner
	Repository *Repository
	Coupons    couponRedeemer
	Outbox     outbox.Emitter
	Logger     *logger.Logger
}

type Service struct {
	db      txRunner
	repo    *Repository
	coupons couponRedeemer
	outbox  outbox.Emitter
	logg    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "database client is required")
	}
	if params.Repository == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order repository is required")
	}
	if params.Coupons == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon service is required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outbox emitter is required")
	}
	return &Service{
		db:      params.DB,
		repo:    params.Repository,
		coupons: params.Coupons,
		outbox:  params.Outbox,
		logg:    params.Logger,
	}, nil
}

// Create inserts a PENDING order and queues ORDER_CREATED. When a coupon is
// given it is redeemed for Discount in the same transaction, so a rejected
// coupon leaves no order behind.
func (s *Service) Create(ctx context.Context, input CreateInput) (*models.Order, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	order := &models.Order{
		ID:             uuid.New(),
		UserID:         input.UserID,
		CouponID:       input.CouponID,
		Amount:         input.Amount,
		DiscountAmount: decimal.Zero,
		Items:          input.Items,
		PaymentStatus:  enums.PaymentStatusPending,
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if input.CouponID != nil {
			if _, err := s.coupons.Redeem(ctx, tx, coupons.RedeemInput{
				CouponID: *input.CouponID,
				UserID:   input.UserID,
				Amount:   input.Discount,
				OrderID:  &order.ID,
			}); err != nil {
				return err
			}
			order.DiscountAmount = input.Discount
		}
		if err := s.repo.Create(tx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert order")
		}
		_, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Data: payloads.OrderCreatedEvent{
				OrderID:        order.ID,
				UserID:         order.UserID,
				CouponID:       order.CouponID,
				Amount:         order.Amount,
				DiscountAmount: order.DiscountAmount,
				Items:          order.Items,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id": order.ID.String(),
			"user_id":  order.UserID.String(),
		})
		s.logg.Info(logCtx, "order created")
	}
	return order, nil
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func validateCreate(input CreateInput) error {
	if input.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one item is required")
	}
	for _, item := range input.Items {
		if item.ProductID == uuid.Nil || item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "items need a product id and a positive quantity")
		}
	}
	if !input.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if input.CouponID != nil {
		if !input.Discount.IsPositive() || input.Discount.GreaterThan(input.Amount) {
			return pkgerrors.New(pkgerrors.CodeValidation, "discount must be positive and not exceed the amount")
		}
	}
	return nil
}
