package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	// Pub/Sub may redeliver for up to seven days; a SENT entry younger than
	// that is still useful when tracing a duplicate.
	minOutboxRetention = 7 * 24 * time.Hour
	defaultBatchSize   = 500
	// caps one pass at maxRetentionBatches*batch rows; the rest waits a cycle
	maxRetentionBatches = 20
)

type sentEntryPruner interface {
	DeleteSentBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository sentEntryPruner
	Retention  time.Duration
	BatchSize  int
}

// NewOutboxRetentionJob deletes SENT outbox entries published before the
// retention window. PENDING and FAILED entries are kept however old.
func NewOutboxRetentionJob(p OutboxRetentionJobParams) (Job, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("outbox retention: logger required")
	case p.DB == nil || p.Repository == nil:
		return nil, errors.New("outbox retention: db runner and repository required")
	case p.Retention > 0 && p.Retention < minOutboxRetention:
		return nil, fmt.Errorf("outbox retention: %s is shorter than the %s minimum", p.Retention, minOutboxRetention)
	}
	return &outboxRetentionJob{
		logg:      p.Logger,
		db:        p.DB,
		pruner:    p.Repository,
		retention: orDefault(p.Retention, defaultOutboxRetention),
		batch:     orDefault(p.BatchSize, defaultBatchSize),
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	pruner    sentEntryPruner
	retention time.Duration
	batch     int
	now       func() time.Time
	deleted   int64
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) LastAffected() int64 { return j.deleted }

// Run deletes in batches, one transaction each, so a large backlog never
// holds locks the relay needs. It stops at the first short batch.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	j.deleted = 0

	for batches := 0; batches < maxRetentionBatches; batches++ {
		var n int64
		if err := j.db.WithTx(ctx, func(tx *gorm.DB) (err error) {
			n, err = j.pruner.DeleteSentBefore(tx, cutoff, j.batch)
			return err
		}); err != nil {
			return fmt.Errorf("outbox retention batch %d: %w", batches+1, err)
		}
		j.deleted += n
		if n < int64(j.batch) {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": j.deleted,
	}), "outbox retention cleanup complete")
	return nil
}

// orDefault returns fallback for zero or negative settings.
func orDefault[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}
