// Package streamer applies bus events to read models exactly once per handler.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/internal/deadletter"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-pipeline/pkg/errors"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/idempotency"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/registry"
	"github.com/angelmondragon/commerce-pipeline/pkg/telemetry"
)

const (
	defaultMaxAttempts    = 5
	defaultBaseBackoff    = 200 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultHandlerTimeout = 30 * time.Second
)

// ErrDeadLettered is returned by Redeliver when the handler exhausted its
// attempts again and the failure was recorded.
var ErrDeadLettered = errors.New("event dead-lettered")

// Handler applies one kind of side effect. Apply must do all of its writes
// through tx.
type Handler interface {
	Name() string
	Handles(eventType enums.OutboxEventType) bool
	Apply(ctx context.Context, tx *gorm.DB, envelope outbox.EventEnvelope) error
}

type dbClient interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledger interface {
	MarkHandled(tx *gorm.DB, eventID uuid.UUID, handler string) error
}

type deadLetterSink interface {
	Capture(ctx context.Context, entry deadletter.Entry) error
	CaptureUndecodable(ctx context.Context, msg deadletter.Undecodable) error
}

// Subscriber is satisfied by *pubsub.Subscriber.
type Subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type ConsumerParams struct {
	Config      config.StreamerConfig
	Logger      *logger.Logger
	DB          dbClient
	Ledger      ledger
	DeadLetters deadLetterSink
	Handlers    []Handler
	Subscribers []Subscriber
	Metrics     *metrics.PipelineMetrics
}

type Consumer struct {
	logg           *logger.Logger
	db             dbClient
	ledger         ledger
	deadLetters    deadLetterSink
	handlers       []Handler
	subscribers    []Subscriber
	metrics        *metrics.PipelineMetrics
	tracer         trace.Tracer
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	handlerTimeout time.Duration
	sleep          func(context.Context, time.Duration) error
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("database client required")
	}
	if params.Ledger == nil {
		return nil, errors.New("idempotency ledger required")
	}
	if params.DeadLetters == nil {
		return nil, errors.New("dead letter sink required")
	}
	if len(params.Handlers) == 0 {
		return nil, errors.New("at least one handler required")
	}
	seen := make(map[string]struct{}, len(params.Handlers))
	for _, h := range params.Handlers {
		name := strings.TrimSpace(h.Name())
		if name == "" || name == deadletter.DecoderHandler {
			return nil, fmt.Errorf("invalid handler name %q", h.Name())
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate handler name %q", name)
		}
		seen[name] = struct{}{}
	}

	cfg := params.Config
	c := &Consumer{
		logg:           params.Logger,
		db:             params.DB,
		ledger:         params.Ledger,
		deadLetters:    params.DeadLetters,
		handlers:       params.Handlers,
		subscribers:    params.Subscribers,
		metrics:        params.Metrics,
		tracer:         otel.Tracer(telemetry.TracerName),
		maxAttempts:    cfg.MaxAttempts,
		baseBackoff:    cfg.BaseBackoff,
		maxBackoff:     cfg.MaxBackoff,
		handlerTimeout: cfg.HandlerTimeout,
		sleep:          sleepCtx,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = defaultBaseBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.handlerTimeout <= 0 {
		c.handlerTimeout = defaultHandlerTimeout
	}
	return c, nil
}

// Run receives from every subscription until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.subscribers) == 0 {
		return errors.New("no subscriptions configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range c.subscribers {
		sub := sub
		g.Go(func() error {
			return sub.Receive(gctx, func(msgCtx context.Context, msg *gcppubsub.Message) {
				c.handleMessage(msgCtx, msg.ID, msg.Data, msg.Attributes, msg)
			})
		})
	}
	return g.Wait()
}

type acker interface {
	Ack()
	Nack()
}

func (c *Consumer) handleMessage(ctx context.Context, messageID string, data []byte, attrs map[string]string, msg acker) {
	ctx = telemetry.Extract(ctx, attrs)
	ctx, span := c.tracer.Start(ctx, "streamer.deliver", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.message.id", messageID),
		attribute.String("event.type", attrs["event_type"]),
	))
	defer span.End()

	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": attrs["event_type"],
	})

	envelope, err := outbox.DecodeEnvelope(data)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid envelope")
		if capErr := c.deadLetters.CaptureUndecodable(ctx, deadletter.Undecodable{Body: data, Attributes: attrs, Err: err}); capErr != nil {
			c.logg.Error(logCtx, "failed to dead-letter invalid envelope", capErr)
			span.SetStatus(codes.Error, capErr.Error())
			msg.Nack()
			return
		}
		c.metrics.IncConsumerOutcome(deadletter.DecoderHandler, metrics.OutcomeDeadLettered)
		msg.Ack()
		return
	}

	if err := c.Deliver(ctx, envelope); err != nil {
		c.logg.Error(logCtx, "delivery incomplete; message will be redelivered", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg.Nack()
		return
	}
	msg.Ack()
}

// Deliver fans the envelope out to every handler interested in its type. It
// returns an error only when a failure could not be recorded, in which case
// the message must be redelivered.
func (c *Consumer) Deliver(ctx context.Context, envelope outbox.EventEnvelope) error {
	var errs error
	for _, h := range c.handlers {
		if !h.Handles(envelope.Type()) {
			continue
		}
		if _, err := c.applyWithRetry(ctx, h, envelope); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errs
}

// Redeliver runs a single named handler, as used by dead-letter replay.
func (c *Consumer) Redeliver(ctx context.Context, envelope outbox.EventEnvelope, handlerName string) error {
	var target Handler
	for _, h := range c.handlers {
		if h.Name() == handlerName {
			target = h
			break
		}
	}
	if target == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("handler %q is not registered", handlerName))
	}
	outcome, err := c.applyWithRetry(ctx, target, envelope)
	if err != nil {
		return err
	}
	if outcome == metrics.OutcomeDeadLettered {
		return ErrDeadLettered
	}
	return nil
}

// applyWithRetry returns the recorded outcome. An error means the outcome
// could not be recorded at all.
func (c *Consumer) applyWithRetry(ctx context.Context, h Handler, envelope outbox.EventEnvelope) (string, error) {
	logCtx := c.logg.WithHandler(c.logg.WithEvent(ctx,
		envelope.ID().String(), string(envelope.Type()), envelope.AggregateID().String()), h.Name())

	var lastErr error
	attempt := 0
	reason := enums.DeadLetterReasonMaxAttempts
	for attempt < c.maxAttempts {
		attempt++
		err := c.applyOnce(ctx, h, envelope)
		if err == nil {
			c.metrics.IncConsumerOutcome(h.Name(), metrics.OutcomeApplied)
			c.logg.Debug(logCtx, "event applied")
			return metrics.OutcomeApplied, nil
		}
		if errors.Is(err, idempotency.ErrAlreadyHandled) {
			c.metrics.IncConsumerOutcome(h.Name(), metrics.OutcomeDuplicate)
			c.logg.Debug(logCtx, "event already handled")
			return metrics.OutcomeDuplicate, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			reason = enums.DeadLetterReasonNonRetryable
			break
		}
		if attempt >= c.maxAttempts {
			break
		}

		c.metrics.IncConsumerRetry(h.Name())
		wait := c.backoff(attempt)
		c.logg.Warn(c.logg.WithFields(logCtx, map[string]any{
			"attempt": attempt,
			"backoff": wait.String(),
			"error":   err.Error(),
		}), "handler attempt failed")
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}

	if err := c.deadLetters.Capture(ctx, deadletter.Entry{
		Envelope:    envelope,
		HandlerName: h.Name(),
		Reason:      reason,
		Err:         lastErr,
		Attempts:    attempt,
	}); err != nil {
		return "", fmt.Errorf("capture dead letter: %w", err)
	}
	c.metrics.IncConsumerOutcome(h.Name(), metrics.OutcomeDeadLettered)
	return metrics.OutcomeDeadLettered, nil
}

// applyOnce claims the ledger entry and runs the handler in one transaction.
func (c *Consumer) applyOnce(ctx context.Context, h Handler, envelope outbox.EventEnvelope) (err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.New(pkgerrors.CodeHandlerFailure, fmt.Sprintf("handler panicked: %v", r)).WithRetryable(false)
		}
	}()

	return c.db.WithTx(attemptCtx, func(tx *gorm.DB) error {
		if err := c.ledger.MarkHandled(tx, envelope.ID(), h.Name()); err != nil {
			return err
		}
		return h.Apply(attemptCtx, tx, envelope)
	})
}

func (c *Consumer) backoff(attempt int) time.Duration {
	wait := c.baseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	return wait
}

func isRetryable(err error) bool {
	var nonRetry registry.NonRetryableError
	if errors.As(err, &nonRetry) {
		return false
	}
	return pkgerrors.IsRetryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
