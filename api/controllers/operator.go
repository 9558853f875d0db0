package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/api/responses"
	"github.com/angelmondragon/commerce-pipeline/api/validators"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
)

type DeadLetterService interface {
	List(ctx context.Context, filter outbox.ListFilter, limit int) ([]models.DeadLetter, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
	Replay(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
}

type OutboxOperator interface {
	ListFailed(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

type CouponExpirer interface {
	Expire(ctx context.Context, couponID uuid.UUID) (*models.Coupon, error)
}

// ListDeadLetters accepts ?handler= and ?pending=true filters.
func ListDeadLetters(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		pending, err := validators.ParseQueryBool(r, "pending")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter := outbox.ListFilter{
			HandlerName: strings.TrimSpace(r.URL.Query().Get("handler")),
			Pending:     pending,
		}
		rows, err := svc.List(r.Context(), filter, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]deadLetterResponse, 0, len(rows))
		for i := range rows {
			out = append(out, newDeadLetterResponse(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func GetDeadLetter(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "deadLetterId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		row, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newDeadLetterResponse(row))
	}
}

func ReplayDeadLetter(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "deadLetterId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		row, err := svc.Replay(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newDeadLetterResponse(row))
	}
}

func ListFailedOutbox(repo OutboxOperator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := repo.ListFailed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]outboxEventResponse, 0, len(rows))
		for i := range rows {
			out = append(out, newOutboxEventResponse(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

// RequeueOutbox returns a FAILED entry to PENDING so the relay retries it.
func RequeueOutbox(repo OutboxOperator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "eventId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := repo.Requeue(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithField(r.Context(), "event_id", id.String()), "outbox entry requeued")
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"eventId": id.String(), "status": "PENDING"})
	}
}

func ExpireCoupon(svc CouponExpirer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "couponId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		coupon, err := svc.Expire(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCouponResponse(coupon))
	}
}
