package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/gateway"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/payloads"
)

const (
	defaultCallbackBackoff = 200 * time.Millisecond
	defaultRequestTimeout  = 10 * time.Second

	anomalyRegression  = "regression"
	anomalyOutOfOrder  = "out_of_order"
	anomalyTransaction = "transaction_mismatch"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderStore interface {
	FindForUpdate(tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	UpdatePayment(tx *gorm.DB, order *models.Order) error
}

type gatewayClient interface {
	RequestPayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResponse, error)
}

// RequestInput carries the card details forwarded to the gateway.
type RequestInput struct {
	OrderID  uuid.UUID
	CardType string
	CardNo   string
}

// Callback is the gateway's report for an order.
type Callback struct {
	TransactionKey string
	Status         string
	FailureReason  *string
	Message        *string
}

type ServiceParams struct {
	Config  config.PaymentsConfig
	DB      txRunner
	Orders  orderStore
	Gateway gatewayClient
	Outbox  outbox.Emitter
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

type Service struct {
	cfg     config.PaymentsConfig
	db      txRunner
	orders  orderStore
	gateway gatewayClient
	outbox  outbox.Emitter
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	backoff time.Duration
	timeout time.Duration
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "database client is required")
	}
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order repository is required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outbox emitter is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "logger is required")
	}
	s := &Service{
		cfg:     params.Config,
		db:      params.DB,
		orders:  params.Orders,
		gateway: params.Gateway,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
		backoff: params.Config.CallbackRetryBackoff,
		timeout: params.Config.RequestTimeout,
		sleep:   sleepCtx,
		now:     time.Now,
	}
	if s.backoff <= 0 {
		s.backoff = defaultCallbackBackoff
	}
	if s.timeout <= 0 {
		s.timeout = defaultRequestTimeout
	}
	return s, nil
}

// RequestPayment dispatches the order to the gateway and records REQUESTED
// with the transaction key. A dispatch failure moves the order to FAILED and
// the dispatch error is returned alongside the updated order.
func (s *Service) RequestPayment(ctx context.Context, input RequestInput) (*models.Order, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if strings.TrimSpace(input.CardType) == "" || strings.TrimSpace(input.CardNo) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "card type and number are required")
	}
	if s.gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}

	order, err := s.claimDispatch(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == enums.PaymentStatusRequested {
		return order, nil
	}

	callbackURL := s.cfg.CallbackURL(order.ID.String())
	dispatchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, dispatchErr := s.gateway.RequestPayment(dispatchCtx, gateway.PaymentRequest{
		OrderID:     order.ID.String(),
		CardType:    input.CardType,
		CardNo:      input.CardNo,
		Amount:      order.PayableAmount(),
		CallbackURL: callbackURL,
	})
	cancel()

	logCtx := s.logg.WithField(ctx, "order_id", order.ID.String())
	if dispatchErr != nil {
		s.logg.Warn(logCtx, "payment dispatch failed")
		failed, err := s.recordDispatchFailure(ctx, order.ID, dispatchErr)
		if err != nil {
			return nil, err
		}
		return failed, dispatchErr
	}
	s.logg.Info(s.logg.WithField(logCtx, "transaction_key", resp.TransactionKey), "payment requested")
	return s.recordRequested(ctx, order.ID, resp.TransactionKey, callbackURL)
}

// claimDispatch stamps the order under its row lock before the gateway is
// called, so a second request for the same order sees the dispatch in flight
// instead of charging again. A claim older than twice the request timeout is
// considered abandoned and can be taken over.
func (s *Service) claimDispatch(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var out *models.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.FindForUpdate(tx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		out = order
		switch order.PaymentStatus {
		case enums.PaymentStatusPending:
		case enums.PaymentStatusRequested:
			return nil
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("payment already %s", order.PaymentStatus))
		}

		now := s.now().UTC()
		if at := order.PaymentDispatchedAt; at != nil && now.Sub(*at) < 2*s.timeout {
			return pkgerrors.New(pkgerrors.CodeConflict, "payment request already in progress")
		}
		order.PaymentDispatchedAt = &now
		return s.orders.UpdatePayment(tx, order)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recordRequested(ctx context.Context, orderID uuid.UUID, transactionKey, callbackURL string) (*models.Order, error) {
	var out *models.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.FindForUpdate(tx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		out = order
		if Transition(order.PaymentStatus, enums.PaymentStatusRequested) != DecisionApply {
			// A fast callback already advanced the order; keep its status.
			if order.LastGatewayTransactionKey != nil {
				return nil
			}
			order.LastGatewayTransactionKey = &transactionKey
			return s.orders.UpdatePayment(tx, order)
		}
		order.PaymentStatus = enums.PaymentStatusRequested
		order.LastGatewayTransactionKey = &transactionKey
		if err := s.orders.UpdatePayment(tx, order); err != nil {
			return err
		}
		return s.emit(ctx, tx, enums.EventPaymentRequested, order.ID, payloads.PaymentRequestedEvent{
			OrderID:        order.ID,
			TransactionKey: transactionKey,
			Amount:         order.PayableAmount(),
			CallbackURL:    callbackURL,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recordDispatchFailure(ctx context.Context, orderID uuid.UUID, cause error) (*models.Order, error) {
	var out *models.Order
	reason := cause.Error()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.FindForUpdate(tx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		out = order
		if Transition(order.PaymentStatus, enums.PaymentStatusFailed) != DecisionApply {
			return nil
		}
		order.PaymentStatus = enums.PaymentStatusFailed
		order.FailureReason = &reason
		if err := s.orders.UpdatePayment(tx, order); err != nil {
			return err
		}
		return s.emit(ctx, tx, enums.EventPaymentFailed, order.ID, payloads.PaymentFailedEvent{
			OrderID: order.ID,
			Reason:  reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleCallback applies a gateway report. Redeliveries of the current status
// are no-ops. A report that arrives before REQUESTED is stored, or for an
// order not yet visible, is retried with doubling backoff and then escalated
// as a retryable anomaly so the gateway redelivers. Regressions are rejected
// with a non-retryable anomaly and never written.
func (s *Service) HandleCallback(ctx context.Context, orderID uuid.UUID, cb Callback) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if strings.TrimSpace(cb.TransactionKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction key is required")
	}
	target, err := enums.ParseGatewayPaymentStatus(cb.Status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid callback status")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id":        orderID.String(),
		"transaction_key": cb.TransactionKey,
		"reported_status": target,
	})
	for attempt := 0; ; attempt++ {
		order, decision, err := s.applyCallback(ctx, orderID, target, cb)
		if err != nil {
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeReconciliationAnomaly {
				s.reportAnomaly(logCtx, err)
			}
			return nil, err
		}
		if decision != DecisionEarly {
			if decision == DecisionApply {
				s.logg.Info(logCtx, "payment callback applied")
			}
			return order, nil
		}
		if attempt >= s.cfg.CallbackRetryAttempts {
			err := anomaly(anomalyOutOfOrder, "callback arrived before the payment request was recorded", true,
				map[string]any{"order_id": orderID.String(), "reported_status": target, "attempts": attempt + 1})
			s.reportAnomaly(logCtx, err)
			return nil, err
		}
		if err := s.sleep(ctx, s.backoff<<attempt); err != nil {
			return nil, err
		}
	}
}

func (s *Service) applyCallback(ctx context.Context, orderID uuid.UUID, target enums.PaymentStatus, cb Callback) (*models.Order, Decision, error) {
	var (
		out      *models.Order
		decision Decision
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.FindForUpdate(tx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				decision = DecisionEarly
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		out = order
		if key := order.LastGatewayTransactionKey; key != nil && *key != cb.TransactionKey {
			return anomaly(anomalyTransaction, "callback transaction key does not match the order", false,
				map[string]any{"order_id": orderID.String(), "current_status": order.PaymentStatus})
		}

		decision = TransitionFromCallback(order.PaymentStatus, target)
		switch decision {
		case DecisionReject:
			return anomaly(anomalyRegression, fmt.Sprintf("cannot move payment from %s to %s", order.PaymentStatus, target), false,
				map[string]any{"order_id": orderID.String(), "current_status": order.PaymentStatus, "reported_status": target})
		case DecisionApply:
			return s.applyStatus(ctx, tx, order, target, cb)
		}
		return nil
	})
	if err != nil {
		return nil, decision, err
	}
	return out, decision, nil
}

func (s *Service) applyStatus(ctx context.Context, tx *gorm.DB, order *models.Order, target enums.PaymentStatus, cb Callback) error {
	key := cb.TransactionKey
	order.PaymentStatus = target
	order.LastGatewayTransactionKey = &key
	if target == enums.PaymentStatusFailed {
		order.FailureReason = failureReason(cb)
	}
	if err := s.orders.UpdatePayment(tx, order); err != nil {
		return err
	}

	switch target {
	case enums.PaymentStatusRequested:
		return s.emit(ctx, tx, enums.EventPaymentRequested, order.ID, payloads.PaymentRequestedEvent{
			OrderID:        order.ID,
			TransactionKey: key,
			Amount:         order.PayableAmount(),
			CallbackURL:    s.cfg.CallbackURL(order.ID.String()),
		})
	case enums.PaymentStatusPaid:
		return s.emit(ctx, tx, enums.EventOrderPaid, order.ID, payloads.OrderPaidEvent{
			OrderID:        order.ID,
			UserID:         order.UserID,
			TransactionKey: key,
			Amount:         order.PayableAmount(),
			Items:          order.Items,
			PaidAt:         s.now().UTC(),
		})
	case enums.PaymentStatusFailed:
		reason := ""
		if order.FailureReason != nil {
			reason = *order.FailureReason
		}
		return s.emit(ctx, tx, enums.EventPaymentFailed, order.ID, payloads.PaymentFailedEvent{
			OrderID:        order.ID,
			TransactionKey: &key,
			Reason:         reason,
		})
	case enums.PaymentStatusCancelled:
		return s.emit(ctx, tx, enums.EventPaymentCancelled, order.ID, payloads.PaymentCancelledEvent{
			OrderID:        order.ID,
			TransactionKey: key,
			Items:          order.Items,
		})
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, orderID uuid.UUID, data any) error {
	_, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Data:          data,
	})
	return err
}

func (s *Service) reportAnomaly(ctx context.Context, err error) {
	kind := anomalyRegression
	if typed := pkgerrors.As(err); typed != nil {
		if details, ok := typed.Details().(map[string]any); ok {
			if k, ok := details["kind"].(string); ok {
				kind = k
			}
		}
	}
	s.metrics.IncAnomaly(kind)
	s.logg.Error(s.logg.WithField(ctx, "anomaly", kind), "payment reconciliation anomaly", err)
}

func anomaly(kind, message string, retryable bool, details map[string]any) *pkgerrors.Error {
	if details == nil {
		details = map[string]any{}
	}
	details["kind"] = kind
	return pkgerrors.New(pkgerrors.CodeReconciliationAnomaly, message).
		WithRetryable(retryable).
		WithDetails(details)
}

func failureReason(cb Callback) *string {
	for _, candidate := range []*string{cb.FailureReason, cb.Message} {
		if candidate != nil && strings.TrimSpace(*candidate) != "" {
			reason := strings.TrimSpace(*candidate)
			return &reason
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
