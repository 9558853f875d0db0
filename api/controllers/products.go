package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/commerce-pipeline/api/middleware"
	"github.com/angelmondragon/commerce-pipeline/api/responses"
	"github.com/angelmondragon/commerce-pipeline/api/validators"
	"github.com/angelmondragon/commerce-pipeline/internal/productmetrics"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
)

type LikesService interface {
	Like(ctx context.Context, userID, productID uuid.UUID) (bool, error)
	Unlike(ctx context.Context, userID, productID uuid.UUID) (bool, error)
}

type ProductMetricsService interface {
	RecordView(ctx context.Context, productID uuid.UUID, userID *uuid.UUID) (outbox.EventEnvelope, error)
	Get(ctx context.Context, productID uuid.UUID) (productmetrics.Snapshot, error)
}

type likeResponse struct {
	ProductID uuid.UUID `json:"productId"`
	Liked     bool      `json:"liked"`
	Changed   bool      `json:"changed"`
}

func LikeProduct(svc LikesService, logg *logger.Logger) http.HandlerFunc {
	return toggleLike(svc.Like, true, logg)
}

func UnlikeProduct(svc LikesService, logg *logger.Logger) http.HandlerFunc {
	return toggleLike(svc.Unlike, false, logg)
}

func toggleLike(apply func(context.Context, uuid.UUID, uuid.UUID) (bool, error), liked bool, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserUUIDFromContext(r.Context())
		if userID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user required"))
			return
		}
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		changed, err := apply(r.Context(), userID, productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, likeResponse{ProductID: productID, Liked: liked, Changed: changed})
	}
}

func RecordProductView(svc ProductMetricsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var viewer *uuid.UUID
		if userID := middleware.UserUUIDFromContext(r.Context()); userID != uuid.Nil {
			viewer = &userID
		}
		envelope, err := svc.RecordView(r.Context(), productID, viewer)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"eventId": envelope.ID().String()})
	}
}

// GetProductMetrics serves the cached counters. They trail the event stream.
func GetProductMetrics(svc ProductMetricsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		snapshot, err := svc.Get(r.Context(), productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, snapshot)
	}
}
