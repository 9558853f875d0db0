package payments

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/internal/orders"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/gateway"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

type fakeGateway struct {
	requests  []gateway.PaymentRequest
	key       string
	err       error
	onRequest func()
}

func (f *fakeGateway) RequestPayment(_ context.Context, req gateway.PaymentRequest) (*gateway.PaymentResponse, error) {
	f.requests = append(f.requests, req)
	if f.onRequest != nil {
		f.onRequest()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.PaymentResponse{TransactionKey: f.key, Status: "PENDING"}, nil
}

type fixture struct {
	conn     *gorm.DB
	repo     *orders.Repository
	gateway  *fakeGateway
	service  *Service
	registry *prometheus.Registry
	sleeps   []time.Duration
	onSleep  func(attempt int)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.OpenSQLite(t)
	logg := logger.New(logger.Options{ServiceName: "payments-test", Output: io.Discard})
	reg := prometheus.NewRegistry()
	f := &fixture{
		conn:     conn,
		repo:     orders.NewRepository(conn),
		gateway:  &fakeGateway{key: "tx-1"},
		registry: reg,
	}
	svc, err := NewService(ServiceParams{
		Config: config.PaymentsConfig{
			APIBaseURL:            "http://api.test",
			CallbackBasePath:      "/api/v1/payments/callback",
			RequestTimeout:        time.Second,
			CallbackRetryAttempts: 2,
			CallbackRetryBackoff:  10 * time.Millisecond,
		},
		DB:      db.Wrap(conn),
		Orders:  f.repo,
		Gateway: f.gateway,
		Outbox:  outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:  logg,
		Metrics: metrics.NewPipelineMetrics(reg),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		if f.onSleep != nil {
			f.onSleep(len(f.sleeps))
		}
		return nil
	}
	f.service = svc
	return f
}

func (f *fixture) seedOrder(t *testing.T, status enums.PaymentStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		UserID:         uuid.New(),
		Amount:         decimal.NewFromInt(100),
		DiscountAmount: decimal.NewFromInt(20),
		Items:          types.OrderItems{{ProductID: uuid.New(), Quantity: 1}},
		PaymentStatus:  status,
	}
	if err := f.repo.Create(f.conn, order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func (f *fixture) status(t *testing.T, orderID uuid.UUID) enums.PaymentStatus {
	t.Helper()
	order, err := f.repo.FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	return order.PaymentStatus
}

func (f *fixture) events(t *testing.T, orderID uuid.UUID) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	if err := f.conn.Where("aggregate_id = ?", orderID).Order("seq ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func (f *fixture) anomalies(t *testing.T) int {
	t.Helper()
	n, err := testutil.GatherAndCount(f.registry, "payment_reconciliation_anomalies_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return n
}

func callback(status string) Callback {
	return Callback{TransactionKey: "tx-1", Status: status}
}

func equalEvents(a, b []enums.OutboxEventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCallbackSequenceRejectsRegression(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	ctx := context.Background()

	if _, err := f.service.HandleCallback(ctx, order.ID, callback("REQUESTED")); err != nil {
		t.Fatalf("requested callback: %v", err)
	}
	if _, err := f.service.HandleCallback(ctx, order.ID, callback("SUCCESS")); err != nil {
		t.Fatalf("paid callback: %v", err)
	}
	_, err := f.service.HandleCallback(ctx, order.ID, callback("FAILED"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeReconciliationAnomaly) {
		t.Fatalf("expected anomaly for FAILED after PAID, got %v", err)
	}
	if pkgerrors.IsRetryable(err) {
		t.Fatalf("regression must not be retryable")
	}

	if got := f.status(t, order.ID); got != enums.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", got)
	}
	want := []enums.OutboxEventType{enums.EventPaymentRequested, enums.EventOrderPaid}
	if got := f.events(t, order.ID); !equalEvents(got, want) {
		t.Fatalf("unexpected events %v", got)
	}
	if f.anomalies(t) != 1 {
		t.Fatalf("expected anomaly to be counted")
	}
}

func TestCallbackSequenceDuplicatePaidIsNoOp(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	ctx := context.Background()

	for _, status := range []string{"REQUESTED", "PAID", "PAID"} {
		if _, err := f.service.HandleCallback(ctx, order.ID, callback(status)); err != nil {
			t.Fatalf("%s callback: %v", status, err)
		}
	}
	stored, err := f.repo.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.PaymentStatus != enums.PaymentStatusPaid || stored.Version != 2 {
		t.Fatalf("expected PAID at version 2, got %s v%d", stored.PaymentStatus, stored.Version)
	}
	want := []enums.OutboxEventType{enums.EventPaymentRequested, enums.EventOrderPaid}
	if got := f.events(t, order.ID); !equalEvents(got, want) {
		t.Fatalf("duplicate PAID must not emit again, got %v", got)
	}
}

func TestRequestPaymentRecordsRequested(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)

	updated, err := f.service.RequestPayment(context.Background(), RequestInput{OrderID: order.ID, CardType: "SAMSUNG", CardNo: "1234"})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if updated.PaymentStatus != enums.PaymentStatusRequested || updated.LastGatewayTransactionKey == nil || *updated.LastGatewayTransactionKey != "tx-1" {
		t.Fatalf("unexpected order after request: %+v", updated)
	}
	if len(f.gateway.requests) != 1 {
		t.Fatalf("expected one gateway request, got %d", len(f.gateway.requests))
	}
	req := f.gateway.requests[0]
	if req.CallbackURL != "http://api.test/api/v1/payments/callback?orderId="+order.ID.String() {
		t.Fatalf("unexpected callback url %q", req.CallbackURL)
	}
	if !req.Amount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected discounted amount, got %s", req.Amount)
	}

	again, err := f.service.RequestPayment(context.Background(), RequestInput{OrderID: order.ID, CardType: "SAMSUNG", CardNo: "1234"})
	if err != nil || again.PaymentStatus != enums.PaymentStatusRequested {
		t.Fatalf("repeat request should be a no-op, got %v", err)
	}
	if len(f.gateway.requests) != 1 {
		t.Fatalf("repeat request must not hit the gateway")
	}
	if got := f.events(t, order.ID); !equalEvents(got, []enums.OutboxEventType{enums.EventPaymentRequested}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestRequestPaymentDispatchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = pkgerrors.New(pkgerrors.CodeDependency, "gateway down")
	order := f.seedOrder(t, enums.PaymentStatusPending)

	updated, err := f.service.RequestPayment(context.Background(), RequestInput{OrderID: order.ID, CardType: "SAMSUNG", CardNo: "1234"})
	if !errors.Is(err, f.gateway.err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if updated == nil || updated.PaymentStatus != enums.PaymentStatusFailed || updated.FailureReason == nil {
		t.Fatalf("expected FAILED order with reason, got %+v", updated)
	}
	if got := f.events(t, order.ID); !equalEvents(got, []enums.OutboxEventType{enums.EventPaymentFailed}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestEarlyCallbackWaitsForRequested(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	f.onSleep = func(attempt int) {
		if attempt != 2 {
			return
		}
		key := "tx-1"
		order.PaymentStatus = enums.PaymentStatusRequested
		order.LastGatewayTransactionKey = &key
		if err := f.repo.UpdatePayment(f.conn, order); err != nil {
			t.Fatalf("advance order: %v", err)
		}
	}

	updated, err := f.service.HandleCallback(context.Background(), order.ID, callback("SUCCESS"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if updated.PaymentStatus != enums.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", updated.PaymentStatus)
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Millisecond || f.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff schedule %v", f.sleeps)
	}
}

func TestEarlyCallbackEscalatesAfterRetries(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)

	_, err := f.service.HandleCallback(context.Background(), order.ID, callback("SUCCESS"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeReconciliationAnomaly) || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected retryable anomaly, got %v", err)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("expected 2 retries, got %v", f.sleeps)
	}
	if got := f.status(t, order.ID); got != enums.PaymentStatusPending {
		t.Fatalf("early callback must not change status, got %s", got)
	}
	if f.anomalies(t) != 1 {
		t.Fatalf("expected out-of-order anomaly to be counted")
	}
}

func TestCallbackForUnknownOrderEscalates(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.HandleCallback(context.Background(), uuid.New(), callback("SUCCESS"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeReconciliationAnomaly) || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected retryable anomaly, got %v", err)
	}
}

func TestCallbackTransactionKeyMismatchRejected(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	if _, err := f.service.HandleCallback(context.Background(), order.ID, callback("REQUESTED")); err != nil {
		t.Fatalf("requested: %v", err)
	}
	_, err := f.service.HandleCallback(context.Background(), order.ID, Callback{TransactionKey: "tx-other", Status: "PAID"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeReconciliationAnomaly) || pkgerrors.IsRetryable(err) {
		t.Fatalf("expected non-retryable anomaly, got %v", err)
	}
	if got := f.status(t, order.ID); got != enums.PaymentStatusRequested {
		t.Fatalf("mismatched callback must not apply, got %s", got)
	}
}

func TestFailedCallbackRecordsReasonAndCancelAfterPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reason := "card declined"

	failedOrder := f.seedOrder(t, enums.PaymentStatusRequested)
	updated, err := f.service.HandleCallback(ctx, failedOrder.ID, Callback{TransactionKey: "tx-1", Status: "FAILED", FailureReason: &reason})
	if err != nil {
		t.Fatalf("failed callback: %v", err)
	}
	if updated.FailureReason == nil || *updated.FailureReason != reason {
		t.Fatalf("expected failure reason recorded")
	}

	paidOrder := f.seedOrder(t, enums.PaymentStatusRequested)
	for _, status := range []string{"PAID", "CANCELLED"} {
		if _, err := f.service.HandleCallback(ctx, paidOrder.ID, callback(status)); err != nil {
			t.Fatalf("%s callback: %v", status, err)
		}
	}
	want := []enums.OutboxEventType{enums.EventOrderPaid, enums.EventPaymentCancelled}
	if got := f.events(t, paidOrder.ID); !equalEvents(got, want) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCallbackValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		orderID uuid.UUID
		cb      Callback
	}{
		"missing order":  {uuid.Nil, callback("PAID")},
		"missing key":    {uuid.New(), Callback{Status: "PAID"}},
		"unknown status": {uuid.New(), Callback{TransactionKey: "tx", Status: "MAYBE"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.HandleCallback(context.Background(), tc.orderID, tc.cb)
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestFailedCallbackBeforeRequestedIsHeld(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)

	_, err := f.service.HandleCallback(context.Background(), order.ID, callback("FAILED"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeReconciliationAnomaly) || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected retryable anomaly, got %v", err)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("expected the callback to be held for 2 retries, got %v", f.sleeps)
	}
	if got := f.status(t, order.ID); got != enums.PaymentStatusPending {
		t.Fatalf("early FAILED must not change status, got %s", got)
	}
	if got := f.events(t, order.ID); len(got) != 0 {
		t.Fatalf("early FAILED must not emit, got %v", got)
	}
}

func TestFailedCallbackAppliesOnceRequested(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	f.onSleep = func(int) {
		key := "tx-1"
		order.PaymentStatus = enums.PaymentStatusRequested
		order.LastGatewayTransactionKey = &key
		if err := f.repo.UpdatePayment(f.conn, order); err != nil {
			t.Fatalf("advance order: %v", err)
		}
	}

	updated, err := f.service.HandleCallback(context.Background(), order.ID, callback("FAILED"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if updated.PaymentStatus != enums.PaymentStatusFailed || len(f.sleeps) != 1 {
		t.Fatalf("expected FAILED after one wait, got %s after %v", updated.PaymentStatus, f.sleeps)
	}
	if got := f.events(t, order.ID); !equalEvents(got, []enums.OutboxEventType{enums.EventPaymentFailed}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestRequestPaymentRejectsSecondDispatchInFlight(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	input := RequestInput{OrderID: order.ID, CardType: "SAMSUNG", CardNo: "1234"}

	var concurrentErr error
	f.gateway.onRequest = func() {
		f.gateway.onRequest = nil
		_, concurrentErr = f.service.RequestPayment(context.Background(), input)
	}

	updated, err := f.service.RequestPayment(context.Background(), input)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if !pkgerrors.IsCode(concurrentErr, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict for the concurrent request, got %v", concurrentErr)
	}
	if len(f.gateway.requests) != 1 {
		t.Fatalf("expected a single charge, got %d gateway requests", len(f.gateway.requests))
	}
	if updated.PaymentStatus != enums.PaymentStatusRequested || *updated.LastGatewayTransactionKey != "tx-1" {
		t.Fatalf("unexpected order %+v", updated)
	}
	if got := f.events(t, order.ID); !equalEvents(got, []enums.OutboxEventType{enums.EventPaymentRequested}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestRequestPaymentTakesOverAbandonedDispatch(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, enums.PaymentStatusPending)
	stale := time.Now().UTC().Add(-time.Hour)
	order.PaymentDispatchedAt = &stale
	if err := f.repo.UpdatePayment(f.conn, order); err != nil {
		t.Fatalf("stamp stale claim: %v", err)
	}

	updated, err := f.service.RequestPayment(context.Background(), RequestInput{OrderID: order.ID, CardType: "SAMSUNG", CardNo: "1234"})
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if updated.PaymentStatus != enums.PaymentStatusRequested || len(f.gateway.requests) != 1 {
		t.Fatalf("expected abandoned claim to be taken over, got %s", updated.PaymentStatus)
	}
}
