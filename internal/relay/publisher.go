package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/registry"
	"github.com/angelmondragon/commerce-pipeline/pkg/telemetry"
)

type broker interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

// publisher is the slice of *pubsub.Publisher the relay uses, with the
// result narrowed so tests can fake it.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// publish sends the stored envelope bytes unchanged, keyed by aggregate so
// Pub/Sub keeps per-aggregate order.
func (s *Service) publish(ctx context.Context, entry models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publishers(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	ctx, span := s.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", entry.ID.String()),
			attribute.String("event.type", string(entry.EventType)),
			attribute.String("event.topic", topic),
			attribute.Int("event.attempt_count", entry.AttemptCount),
		))
	defer span.End()

	key := entry.AggregateID.String()
	attrs := map[string]string{
		"event_id":       resolved.Envelope.ID().String(),
		"event_type":     string(entry.EventType),
		"aggregate_type": string(entry.AggregateType),
		"aggregate_id":   key,
		"occurred_at":    resolved.Envelope.OccurredAt().Format(time.RFC3339Nano),
	}
	telemetry.Inject(ctx, attrs)

	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	result := pub.Publish(ctx, &gcppubsub.Message{Data: entry.Payload, OrderingKey: key, Attributes: attrs})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(ctx); err != nil {
		// Pub/Sub pauses an ordering key after a failure until it is resumed.
		pub.ResumePublish(key)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Service) brokerPublisher(topic string) publisher {
	if p := s.broker.Publisher(topic); p != nil {
		return gcpPublisher{p}
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return gcpResult{p.Publisher.Publish(ctx, msg)}
}

type gcpResult struct {
	*gcppubsub.PublishResult
}

func (r gcpResult) Get(ctx context.Context) (string, error) {
	if r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
