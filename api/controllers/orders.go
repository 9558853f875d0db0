package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-pipeline/api/middleware"
	"github.com/angelmondragon/commerce-pipeline/api/responses"
	"github.com/angelmondragon/commerce-pipeline/api/validators"
	"github.com/angelmondragon/commerce-pipeline/internal/orders"
	"github.com/angelmondragon/commerce-pipeline/internal/payments"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

type OrdersService interface {
	Create(ctx context.Context, input orders.CreateInput) (*models.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

type PaymentRequester interface {
	RequestPayment(ctx context.Context, input payments.RequestInput) (*models.Order, error)
}

type orderItemRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"min=1"`
}

type createOrderRequest struct {
	Items    []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	Amount   decimal.Decimal    `json:"amount" validate:"dgt0"`
	CouponID *uuid.UUID         `json:"couponId"`
	Discount decimal.Decimal    `json:"discount" validate:"dgte0"`
}

type requestPaymentRequest struct {
	CardType string `json:"cardType" validate:"required,max=32"`
	CardNo   string `json:"cardNo" validate:"required,max=32"`
}

// CreateOrder places an order for the caller, redeeming the coupon in the
// same transaction when one is given.
func CreateOrder(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserUUIDFromContext(r.Context())
		if userID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user required"))
			return
		}

		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make(types.OrderItems, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, types.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
		}

		order, err := svc.Create(r.Context(), orders.CreateInput{
			UserID:   userID,
			Items:    items,
			Amount:   req.Amount,
			CouponID: req.CouponID,
			Discount: req.Discount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newOrderResponse(order))
	}
}

func GetOrder(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !canSee(r.Context(), order.UserID) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}
		responses.WriteSuccess(w, newOrderResponse(order))
	}
}

// RequestPayment dispatches the order to the gateway. A dispatch failure is
// returned as an error; the order is already FAILED by then.
func RequestPayment(ordersSvc OrdersService, paymentsSvc PaymentRequester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req requestPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := ordersSvc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !canSee(r.Context(), order.UserID) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}

		updated, err := paymentsSvc.RequestPayment(r.Context(), payments.RequestInput{
			OrderID:  orderID,
			CardType: req.CardType,
			CardNo:   req.CardNo,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, newOrderResponse(updated))
	}
}

func canSee(ctx context.Context, owner uuid.UUID) bool {
	return middleware.IsOperator(ctx) || middleware.UserUUIDFromContext(ctx) == owner
}
