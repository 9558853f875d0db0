// Package relay drains the transactional outbox onto Pub/Sub.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/registry"
	"github.com/angelmondragon/commerce-pipeline/pkg/telemetry"
)

const (
	fallbackBatchSize      = 50
	fallbackPollInterval   = 500 * time.Millisecond
	fallbackPublishTimeout = 15 * time.Second
	fallbackMaxAttempts    = 10

	backoffCeiling = 10 * time.Second
	maxJitter      = 250 * time.Millisecond

	metricsName = "outbox"
)

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type entryStore interface {
	FetchPending(tx *gorm.DB, limit int) ([]models.OutboxEvent, error)
	MarkSent(tx *gorm.DB, id uuid.UUID) error
	RecordAttempt(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error
	MarkFailed(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config     config.OutboxConfig
	Logger     *logger.Logger
	DB         txRunner
	PubSub     broker
	Repository entryStore
	Registry   resolver
	Metrics    *metrics.PipelineMetrics

	// PublisherFactory replaces the Pub/Sub publishers; tests use it.
	PublisherFactory func(topic string) publisher
}

// Service publishes PENDING entries. An entry becomes SENT only after the
// broker acked it, in the transaction that locked it, so delivery is
// at-least-once.
type Service struct {
	logg       *logger.Logger
	db         txRunner
	broker     broker
	repo       entryStore
	registry   resolver
	publishers func(topic string) publisher
	metrics    *metrics.PipelineMetrics
	tracer     trace.Tracer

	batchSize      int
	maxAttempts    int
	pollInterval   time.Duration
	publishTimeout time.Duration
}

func NewService(p ServiceParams) (*Service, error) {
	for name, missing := range map[string]bool{
		"logger":            p.Logger == nil,
		"database client":   p.DB == nil,
		"pubsub client":     p.PubSub == nil,
		"outbox repository": p.Repository == nil,
		"event registry":    p.Registry == nil,
	} {
		if missing {
			return nil, fmt.Errorf("relay: %s is required", name)
		}
	}

	s := &Service{
		logg:           p.Logger,
		db:             p.DB,
		broker:         p.PubSub,
		repo:           p.Repository,
		registry:       p.Registry,
		publishers:     p.PublisherFactory,
		metrics:        p.Metrics,
		tracer:         otel.Tracer(telemetry.TracerName),
		batchSize:      positiveOr(p.Config.BatchSize, fallbackBatchSize),
		maxAttempts:    positiveOr(p.Config.MaxAttempts, fallbackMaxAttempts),
		pollInterval:   positiveOr(time.Duration(p.Config.PollIntervalMS)*time.Millisecond, fallbackPollInterval),
		publishTimeout: positiveOr(time.Duration(p.Config.PublishTimeoutMS)*time.Millisecond, fallbackPublishTimeout),
	}
	if s.publishers == nil {
		s.publishers = s.brokerPublisher
	}
	return s, nil
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// Run pings its dependencies, then polls until ctx ends. An empty batch waits
// one poll interval. A failed batch waits twice as long as the last one did,
// up to backoffCeiling.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, "pubsub": s.broker.Ping} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	wait := s.pollInterval
	for ctx.Err() == nil {
		processed, err := s.ProcessBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox relay batch error", err)
			wait = nextBackoff(wait, s.pollInterval, backoffCeiling)
		case processed > 0:
			wait = s.pollInterval
			continue
		default:
			wait = s.pollInterval
		}
		if err := sleep(ctx, wait+jitter()); err != nil {
			break
		}
	}
	s.logg.Info(ctx, "outbox relay stopping")
	return ctx.Err()
}

// ProcessBatch publishes one batch inside a single transaction and returns how
// many entries it locked. Once an entry of an aggregate fails, later entries
// of that aggregate wait for the next batch so per-aggregate order holds.
func (s *Service) ProcessBatch(ctx context.Context) (int, error) {
	started := time.Now()
	var locked int
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		entries, err := s.repo.FetchPending(tx, s.batchSize)
		if err != nil {
			return err
		}
		locked = len(entries)

		held := make(map[uuid.UUID]bool)
		for _, entry := range entries {
			if held[entry.AggregateID] {
				s.logg.Debug(s.logg.WithFields(ctx, entryFields(entry)), "outbox entry held behind failed aggregate entry")
				continue
			}
			err := s.relay(ctx, tx, entry)
			if errors.Is(err, errNotPublished) {
				held[entry.AggregateID] = true
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if locked > 0 {
		s.metrics.ObserveBatch(metricsName, time.Since(started))
	}
	return locked, err
}

// errNotPublished marks an entry whose failure was recorded. Any other error
// from relay is a database failure and aborts the batch.
var errNotPublished = errors.New("outbox entry not published")

func (s *Service) relay(ctx context.Context, tx *gorm.DB, entry models.OutboxEvent) error {
	resolved, err := s.registry.Resolve(entry)
	if err != nil {
		return s.fail(ctx, tx, entry, "", entry.AttemptCount, err)
	}
	topic := resolved.Descriptor.Topic

	err = s.publish(ctx, entry, resolved)
	var permanent registry.NonRetryableError
	switch {
	case err == nil:
		if err := s.repo.MarkSent(tx, entry.ID); err != nil {
			return fmt.Errorf("mark sent %s: %w", entry.ID, err)
		}
		s.metrics.IncPublished(string(entry.EventType))
		s.logg.Info(s.logg.WithField(s.logg.WithFields(ctx, entryFields(entry)), "topic", topic), "outbox event published")
		return nil
	case errors.As(err, &permanent):
		return s.fail(ctx, tx, entry, topic, entry.AttemptCount, err)
	}

	s.metrics.IncPublishFailure(string(entry.EventType))
	attempts := entry.AttemptCount + 1
	if attempts >= s.maxAttempts {
		return s.fail(ctx, tx, entry, topic, attempts, fmt.Errorf("max publish attempts reached: %w", err))
	}

	logCtx := s.logg.WithFields(ctx, entryFields(entry))
	logCtx = s.logg.WithFields(logCtx, map[string]any{"topic": topic, "attempt_count": attempts, "error": err.Error()})
	s.logg.Warn(logCtx, "outbox publish failed")
	if err := s.repo.RecordAttempt(tx, entry.ID, attempts, err); err != nil {
		return fmt.Errorf("record attempt %s: %w", entry.ID, err)
	}
	return errNotPublished
}

// fail parks the entry as FAILED and raises the operator alert.
func (s *Service) fail(ctx context.Context, tx *gorm.DB, entry models.OutboxEvent, topic string, attempts int, cause error) error {
	logCtx := s.logg.WithFields(ctx, entryFields(entry))
	logCtx = s.logg.WithFields(logCtx, map[string]any{"topic": topic, "attempt_count": attempts, "alert": "operator"})
	s.logg.Error(logCtx, "outbox entry moved to FAILED; requeue required", cause)

	if err := s.repo.MarkFailed(tx, entry.ID, attempts, cause); err != nil {
		return fmt.Errorf("mark failed %s: %w", entry.ID, err)
	}
	s.metrics.IncOutboxFailed(string(entry.EventType))
	return errNotPublished
}

func entryFields(entry models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"event_id":       entry.ID.String(),
		"event_type":     entry.EventType,
		"aggregate_type": entry.AggregateType,
		"aggregate_id":   entry.AggregateID.String(),
		"attempt_count":  entry.AttemptCount,
		"occurred_at":    entry.OccurredAt.Format(time.RFC3339Nano),
	}
	if entry.LastError != nil {
		fields["last_error"] = *entry.LastError
	}
	return fields
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, ceiling)
}

func jitter() time.Duration {
	return rand.N(maxJitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
