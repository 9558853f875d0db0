package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
)

const (
	defaultPaymentStaleAfter = 30 * time.Minute
	anomalyStaleRequest      = "stale_request"
)

type staleOrderLister interface {
	ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
}

type StalePaymentJobParams struct {
	Logger     *logger.Logger
	Orders     staleOrderLister
	Metrics    *metrics.PipelineMetrics
	StaleAfter time.Duration
	BatchSize  int
}

// NewStalePaymentJob escalates orders whose gateway callback never arrived.
// It only reports: the order stays REQUESTED until a callback or an operator
// settles it.
func NewStalePaymentJob(params StalePaymentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order repository required")
	}
	return &stalePaymentJob{
		logg:       params.Logger,
		orders:     params.Orders,
		metrics:    params.Metrics,
		staleAfter: orDefault(params.StaleAfter, defaultPaymentStaleAfter),
		batch:      orDefault(params.BatchSize, defaultBatchSize),
		now:        time.Now,
	}, nil
}

type stalePaymentJob struct {
	logg       *logger.Logger
	orders     staleOrderLister
	metrics    *metrics.PipelineMetrics
	staleAfter time.Duration
	batch      int
	now        func() time.Time
	escalated  int64
}

func (j *stalePaymentJob) Name() string { return "stale-payment-escalation" }

func (j *stalePaymentJob) LastAffected() int64 { return j.escalated }

func (j *stalePaymentJob) Run(ctx context.Context) error {
	j.escalated = 0
	cutoff := j.now().UTC().Add(-j.staleAfter)
	rows, err := j.orders.ListStaleRequested(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list stale payments: %w", err)
	}
	for _, order := range rows {
		fields := map[string]any{
			"order_id":       order.ID.String(),
			"anomaly":        anomalyStaleRequest,
			"requested_at":   order.UpdatedAt,
			"stale_for_secs": int64(j.now().UTC().Sub(order.UpdatedAt).Seconds()),
		}
		if order.LastGatewayTransactionKey != nil {
			fields["transaction_key"] = *order.LastGatewayTransactionKey
		}
		j.logg.Warn(j.logg.WithFields(ctx, fields), "payment callback overdue; manual reconciliation required")
		j.metrics.IncAnomaly(anomalyStaleRequest)
		j.escalated++
	}
	return nil
}
