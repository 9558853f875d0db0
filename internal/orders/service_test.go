package orders

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/internal/coupons"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

type fixture struct {
	conn       *gorm.DB
	service    *Service
	couponRepo *coupons.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	client := db.Wrap(conn)
	logg := logger.New(logger.Options{ServiceName: "orders-test", Output: io.Discard})
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	couponRepo := coupons.NewRepository(conn)
	couponSvc, err := coupons.NewService(coupons.ServiceParams{
		DB:         client,
		Repository: couponRepo,
		Outbox:     emitter,
		Logger:     logg,
	})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		DB:         client,
		Repository: NewRepository(conn),
		Coupons:    couponSvc,
		Outbox:     emitter,
		Logger:     logg,
	})
	require.NoError(t, err)
	return &fixture{conn: conn, service: svc, couponRepo: couponRepo}
}

func (f *fixture) seedCoupon(t *testing.T, userID uuid.UUID, value int64) *models.Coupon {
	t.Helper()
	coupon := &models.Coupon{
		UserID:         userID,
		Status:         enums.CouponStatusIssued,
		RemainingValue: decimal.NewFromInt(value),
	}
	require.NoError(t, f.couponRepo.Create(f.conn, coupon))
	return coupon
}

func (f *fixture) outboxTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Order("seq ASC").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func items() types.OrderItems {
	return types.OrderItems{{ProductID: uuid.New(), Quantity: 2}}
}

func TestCreateWithCouponRedeemsInSameTransaction(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	coupon := f.seedCoupon(t, userID, 30)

	order, err := f.service.Create(context.Background(), CreateInput{
		UserID:   userID,
		Items:    items(),
		Amount:   decimal.NewFromInt(100),
		CouponID: &coupon.ID,
		Discount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)
	require.Equal(t, enums.PaymentStatusPending, order.PaymentStatus)
	require.True(t, order.PayableAmount().Equal(decimal.NewFromInt(70)))

	stored, err := f.service.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.True(t, stored.DiscountAmount.Equal(decimal.NewFromInt(30)))

	redeemed, err := f.couponRepo.FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	require.Equal(t, enums.CouponStatusUsed, redeemed.Status)

	require.Equal(t, []enums.OutboxEventType{enums.EventCouponUsed, enums.EventOrderCreated}, f.outboxTypes(t))
}

func TestCreateRejectedCouponLeavesNothing(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	coupon := f.seedCoupon(t, userID, 10)

	_, err := f.service.Create(context.Background(), CreateInput{
		UserID:   userID,
		Items:    items(),
		Amount:   decimal.NewFromInt(100),
		CouponID: &coupon.ID,
		Discount: decimal.NewFromInt(20),
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeCouponNotUsable), "got %v", err)

	var orders int64
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&orders).Error)
	require.Zero(t, orders)
	require.Empty(t, f.outboxTypes(t))

	untouched, err := f.couponRepo.FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	require.True(t, untouched.RemainingValue.Equal(decimal.NewFromInt(10)))
}

func TestCreateWithoutCoupon(t *testing.T) {
	f := newFixture(t)
	order, err := f.service.Create(context.Background(), CreateInput{
		UserID: uuid.New(),
		Items:  items(),
		Amount: decimal.NewFromInt(15),
	})
	require.NoError(t, err)
	require.True(t, order.DiscountAmount.IsZero())
	require.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated}, f.outboxTypes(t))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	couponID := uuid.New()
	cases := map[string]CreateInput{
		"missing user":     {Items: items(), Amount: decimal.NewFromInt(1)},
		"no items":         {UserID: uuid.New(), Amount: decimal.NewFromInt(1)},
		"zero quantity":    {UserID: uuid.New(), Items: types.OrderItems{{ProductID: uuid.New()}}, Amount: decimal.NewFromInt(1)},
		"zero amount":      {UserID: uuid.New(), Items: items()},
		"discount too big": {UserID: uuid.New(), Items: items(), Amount: decimal.NewFromInt(5), CouponID: &couponID, Discount: decimal.NewFromInt(6)},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Create(context.Background(), input)
			require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestGetUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Get(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)
}
