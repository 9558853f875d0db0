package coupons

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
)

type fixture struct {
	conn    *gorm.DB
	client  *db.Client
	repo    *Repository
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	client := db.Wrap(conn)
	logg := logger.New(logger.Options{ServiceName: "coupons-test", Output: io.Discard})
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{
		DB:         client,
		Repository: repo,
		Outbox:     outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:     logg,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{conn: conn, client: client, repo: repo, service: svc}
}

func (f *fixture) seed(t *testing.T, value int64, expiresAt *time.Time) *models.Coupon {
	t.Helper()
	coupon := &models.Coupon{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Status:         enums.CouponStatusIssued,
		RemainingValue: decimal.NewFromInt(value),
		ExpiresAt:      expiresAt,
	}
	if err := f.repo.Create(f.conn, coupon); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}
	return coupon
}

func (f *fixture) redeem(ctx context.Context, couponID uuid.UUID, amount int64) error {
	return f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.service.Redeem(ctx, tx, RedeemInput{CouponID: couponID, Amount: decimal.NewFromInt(amount)})
		return err
	})
}

func (f *fixture) countCouponEvents(t *testing.T, couponID uuid.UUID) int64 {
	t.Helper()
	var n int64
	if err := f.conn.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventCouponUsed, couponID).
		Count(&n).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return n
}

func TestRedeemDecrementsAndQueuesEvent(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 100, nil)
	orderID := uuid.New()

	var redeemed *models.Coupon
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		redeemed, err = f.service.Redeem(context.Background(), tx, RedeemInput{
			CouponID: coupon.ID,
			UserID:   coupon.UserID,
			Amount:   decimal.NewFromInt(30),
			OrderID:  &orderID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !redeemed.RemainingValue.Equal(decimal.NewFromInt(70)) || redeemed.Status != enums.CouponStatusIssued {
		t.Fatalf("unexpected coupon after redeem: %s %s", redeemed.RemainingValue, redeemed.Status)
	}

	var row models.OutboxEvent
	if err := f.conn.Where("aggregate_id = ?", coupon.ID).First(&row).Error; err != nil {
		t.Fatalf("load outbox row: %v", err)
	}
	env, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var payload payloads.CouponUsedEvent
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID == nil || *payload.OrderID != orderID {
		t.Fatalf("order id not carried on event")
	}
	if !payload.RemainingValue.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected remaining value on event: %s", payload.RemainingValue)
	}
}

func TestRedeemExhaustingMarksUsed(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 50, nil)
	if err := f.redeem(context.Background(), coupon.ID, 50); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	stored, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("load coupon: %v", err)
	}
	if stored.Status != enums.CouponStatusUsed || !stored.RemainingValue.IsZero() {
		t.Fatalf("expected USED with zero value, got %s %s", stored.Status, stored.RemainingValue)
	}

	err = f.redeem(context.Background(), coupon.ID, 1)
	if !pkgerrors.IsCode(err, pkgerrors.CodeCouponNotUsable) {
		t.Fatalf("expected coupon not usable on used coupon, got %v", err)
	}
}

func TestRedeemRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 10, nil)
	past := time.Now().Add(-time.Hour)
	expired := f.seed(t, 10, &past)

	cases := []struct {
		name  string
		input RedeemInput
		code  pkgerrors.Code
	}{
		{"missing coupon id", RedeemInput{Amount: decimal.NewFromInt(1)}, pkgerrors.CodeValidation},
		{"zero amount", RedeemInput{CouponID: coupon.ID}, pkgerrors.CodeValidation},
		{"unknown coupon", RedeemInput{CouponID: uuid.New(), Amount: decimal.NewFromInt(1)}, pkgerrors.CodeNotFound},
		{"other user", RedeemInput{CouponID: coupon.ID, UserID: uuid.New(), Amount: decimal.NewFromInt(1)}, pkgerrors.CodeCouponNotUsable},
		{"expired", RedeemInput{CouponID: expired.ID, Amount: decimal.NewFromInt(1)}, pkgerrors.CodeCouponNotUsable},
		{"insufficient", RedeemInput{CouponID: coupon.ID, Amount: decimal.NewFromInt(11)}, pkgerrors.CodeCouponNotUsable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
				_, err := f.service.Redeem(context.Background(), tx, tc.input)
				return err
			})
			if !pkgerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if pkgerrors.IsRetryable(err) {
				t.Fatalf("redeem failures must not be retryable: %v", err)
			}
		})
	}
}

func TestRedeemRollbackLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 100, nil)
	abort := errors.New("order insert failed")

	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if _, err := f.service.Redeem(context.Background(), tx, RedeemInput{CouponID: coupon.ID, Amount: decimal.NewFromInt(40)}); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	stored, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("load coupon: %v", err)
	}
	if !stored.RemainingValue.Equal(decimal.NewFromInt(100)) || stored.Version != 0 {
		t.Fatalf("coupon changed despite rollback: %s v%d", stored.RemainingValue, stored.Version)
	}
	if n := f.countCouponEvents(t, coupon.ID); n != 0 {
		t.Fatalf("expected no outbox rows after rollback, got %d", n)
	}
}

func TestConcurrentRedemptionsNeverOverRedeem(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 50, nil)

	const attempts = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
		other    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.redeem(context.Background(), coupon.ID, 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case pkgerrors.IsCode(err, pkgerrors.CodeCouponNotUsable):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if success != 5 || rejected != attempts-5 {
		t.Fatalf("expected 5 successes and %d rejections, got %d and %d", attempts-5, success, rejected)
	}
	stored, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("load coupon: %v", err)
	}
	if stored.Status != enums.CouponStatusUsed || !stored.RemainingValue.IsZero() {
		t.Fatalf("expected exhausted coupon, got %s %s", stored.Status, stored.RemainingValue)
	}
	if n := f.countCouponEvents(t, coupon.ID); n != 5 {
		t.Fatalf("expected one event per redemption, got %d", n)
	}
}

func TestCompetingRedemptionsOneWins(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 100, nil)

	results := make(map[int64]error, 2)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, amount := range []int64{80, 50} {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			err := f.redeem(context.Background(), coupon.ID, amount)
			mu.Lock()
			results[amount] = err
			mu.Unlock()
		}(amount)
	}
	wg.Wait()

	var winner int64
	for amount, err := range results {
		if err == nil {
			if winner != 0 {
				t.Fatalf("both redemptions succeeded")
			}
			winner = amount
			continue
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeCouponNotUsable) {
			t.Fatalf("loser failed with unexpected error: %v", err)
		}
	}
	if winner == 0 {
		t.Fatalf("expected one redemption to succeed")
	}

	stored, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("load coupon: %v", err)
	}
	want := decimal.NewFromInt(100 - winner)
	if !stored.RemainingValue.Equal(want) || stored.Status != enums.CouponStatusIssued {
		t.Fatalf("expected %s ISSUED, got %s %s", want, stored.RemainingValue, stored.Status)
	}
}

func TestUpdateVersionedRejectsStaleVersion(t *testing.T) {
	f := newFixture(t)
	coupon := f.seed(t, 10, nil)

	first, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second := *first

	first.RemainingValue = decimal.NewFromInt(5)
	if err := f.repo.UpdateVersioned(f.conn, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	second.Status = enums.CouponStatusExpired
	err = f.repo.UpdateVersioned(f.conn, &second)
	if !pkgerrors.IsCode(err, pkgerrors.CodeConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}

	stored, err := f.repo.FindByID(context.Background(), coupon.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Version != 1 || stored.Status != enums.CouponStatusIssued {
		t.Fatalf("stale write applied: v%d %s", stored.Version, stored.Status)
	}
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due := f.seed(t, 10, &past)
	notDue := f.seed(t, 10, &future)

	expired, err := f.service.Expire(context.Background(), due.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != enums.CouponStatusExpired || expired.Version != 1 {
		t.Fatalf("unexpected expired coupon: %s v%d", expired.Status, expired.Version)
	}
	again, err := f.service.Expire(context.Background(), due.ID)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if again.Version != 1 {
		t.Fatalf("second expire should be a no-op, got v%d", again.Version)
	}

	_, err = f.service.Expire(context.Background(), notDue.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict for coupon not yet due, got %v", err)
	}
}
