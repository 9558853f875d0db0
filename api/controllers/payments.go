package controllers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/api/responses"
	"github.com/angelmondragon/commerce-pipeline/api/validators"
	"github.com/angelmondragon/commerce-pipeline/internal/payments"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
)

const gatewaySecretHeader = "X-Gateway-Secret"

type CallbackHandler interface {
	HandleCallback(ctx context.Context, orderID uuid.UUID, cb payments.Callback) (*models.Order, error)
}

type paymentCallbackRequest struct {
	TransactionKey string  `json:"transactionKey" validate:"required"`
	Status         string  `json:"status" validate:"required,gateway_status"`
	FailureReason  *string `json:"failureReason"`
	Message        *string `json:"message"`
}

// PaymentCallback receives the gateway's status report. The response carries
// no payload; a retryable failure answers 503 so the gateway redelivers.
func PaymentCallback(svc CallbackHandler, secret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(gatewaySecretHeader)), []byte(secret)) != 1 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid gateway signature"))
			return
		}
		orderID, err := validators.ParseUUIDQuery(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req paymentCallbackRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"order_id":        orderID.String(),
				"transaction_key": req.TransactionKey,
			})
		}
		if _, err := svc.HandleCallback(ctx, orderID, payments.Callback{
			TransactionKey: req.TransactionKey,
			Status:         req.Status,
			FailureReason:  req.FailureReason,
			Message:        req.Message,
		}); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
