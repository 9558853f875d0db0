package controllers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/types"
)

type orderResponse struct {
	ID             uuid.UUID           `json:"id"`
	UserID         uuid.UUID           `json:"userId"`
	CouponID       *uuid.UUID          `json:"couponId,omitempty"`
	Amount         decimal.Decimal     `json:"amount"`
	DiscountAmount decimal.Decimal     `json:"discountAmount"`
	PayableAmount  decimal.Decimal     `json:"payableAmount"`
	Items          types.OrderItems    `json:"items"`
	PaymentStatus  enums.PaymentStatus `json:"paymentStatus"`
	TransactionKey *string             `json:"transactionKey,omitempty"`
	FailureReason  *string             `json:"failureReason,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func newOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		UserID:         o.UserID,
		CouponID:       o.CouponID,
		Amount:         o.Amount,
		DiscountAmount: o.DiscountAmount,
		PayableAmount:  o.PayableAmount(),
		Items:          o.Items,
		PaymentStatus:  o.PaymentStatus,
		TransactionKey: o.LastGatewayTransactionKey,
		FailureReason:  o.FailureReason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

type couponResponse struct {
	ID             uuid.UUID          `json:"id"`
	UserID         uuid.UUID          `json:"userId"`
	Status         enums.CouponStatus `json:"status"`
	RemainingValue decimal.Decimal    `json:"remainingValue"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
}

func newCouponResponse(c *models.Coupon) couponResponse {
	return couponResponse{
		ID:             c.ID,
		UserID:         c.UserID,
		Status:         c.Status,
		RemainingValue: c.RemainingValue,
		ExpiresAt:      c.ExpiresAt,
	}
}

type deadLetterResponse struct {
	ID            uuid.UUID                 `json:"id"`
	EventID       uuid.UUID                 `json:"eventId"`
	HandlerName   string                    `json:"handlerName"`
	EventType     enums.OutboxEventType     `json:"eventType"`
	AggregateType enums.OutboxAggregateType `json:"aggregateType"`
	AggregateID   uuid.UUID                 `json:"aggregateId"`
	ErrorReason   enums.DeadLetterReason    `json:"errorReason"`
	ErrorMessage  *string                   `json:"errorMessage,omitempty"`
	AttemptCount  int                       `json:"attemptCount"`
	OccurredAt    time.Time                 `json:"occurredAt"`
	FailedAt      time.Time                 `json:"failedAt"`
	ReplayedAt    *time.Time                `json:"replayedAt,omitempty"`
	ReplayCount   int                       `json:"replayCount"`
}

func newDeadLetterResponse(d *models.DeadLetter) deadLetterResponse {
	return deadLetterResponse{
		ID:            d.ID,
		EventID:       d.EventID,
		HandlerName:   d.HandlerName,
		EventType:     d.EventType,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		ErrorReason:   d.ErrorReason,
		ErrorMessage:  d.ErrorMessage,
		AttemptCount:  d.AttemptCount,
		OccurredAt:    d.OccurredAt,
		FailedAt:      d.FailedAt,
		ReplayedAt:    d.ReplayedAt,
		ReplayCount:   d.ReplayCount,
	}
}

type outboxEventResponse struct {
	ID            uuid.UUID                 `json:"id"`
	Seq           int64                     `json:"seq"`
	EventType     enums.OutboxEventType     `json:"eventType"`
	AggregateType enums.OutboxAggregateType `json:"aggregateType"`
	AggregateID   uuid.UUID                 `json:"aggregateId"`
	Status        enums.OutboxStatus        `json:"status"`
	AttemptCount  int                       `json:"attemptCount"`
	LastError     *string                   `json:"lastError,omitempty"`
	OccurredAt    time.Time                 `json:"occurredAt"`
}

func newOutboxEventResponse(e *models.OutboxEvent) outboxEventResponse {
	return outboxEventResponse{
		ID:            e.ID,
		Seq:           e.Seq,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Status:        e.Status,
		AttemptCount:  e.AttemptCount,
		LastError:     e.LastError,
		OccurredAt:    e.OccurredAt,
	}
}
