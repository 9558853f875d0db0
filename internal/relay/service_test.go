package relay

import (
	"context"
	"errors"
	"io"
	"testing"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/dbtest"
	"github.com/angelmondragon/commerce-pipeline/pkg/db/models"
	"github.com/angelmondragon/commerce-pipeline/pkg/enums"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/registry"
)

func TestProcessBatchPublishesWithOrderingKey(t *testing.T) {
	aggregate := uuid.New()
	repo := &fakeRepo{events: []models.OutboxEvent{
		mustRow(t, enums.EventProductLiked, aggregate),
		mustRow(t, enums.EventProductUnliked, aggregate),
	}}
	pub := &fakePublisher{}
	service := newTestService(t, repo, pub, nil, nil)

	processed, err := service.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed, got %d", processed)
	}
	if len(repo.sent) != 2 || repo.sent[0] != repo.events[0].ID || repo.sent[1] != repo.events[1].ID {
		t.Fatalf("entries not marked sent in order: %v", repo.sent)
	}
	for i, msg := range pub.messages {
		if msg.OrderingKey != aggregate.String() {
			t.Fatalf("message %d ordering key %q", i, msg.OrderingKey)
		}
		if msg.Attributes["event_id"] != repo.events[i].ID.String() {
			t.Fatalf("message %d carries wrong event id", i)
		}
		if string(msg.Data) != string(repo.events[i].Payload) {
			t.Fatalf("message %d body is not the stored envelope", i)
		}
	}
	if pub.topics[0] != "products-topic" {
		t.Fatalf("unexpected topic %q", pub.topics[0])
	}
}

func TestProcessBatchRecordsAttemptOnTransientFailure(t *testing.T) {
	event := mustRow(t, enums.EventOrderPaid, uuid.New())
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{failFor: map[string]error{event.ID.String(): errors.New("deadline exceeded")}}
	service := newTestService(t, repo, pub, nil, nil)

	if _, err := service.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(repo.attempts) != 1 || repo.attempts[event.ID] != 1 {
		t.Fatalf("expected one recorded attempt, got %v", repo.attempts)
	}
	if len(repo.failed) != 0 || len(repo.sent) != 0 {
		t.Fatalf("entry should stay pending")
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != event.AggregateID.String() {
		t.Fatalf("expected ordering key to be resumed, got %v", pub.resumed)
	}
}

func TestProcessBatchFailsEntryAtMaxAttempts(t *testing.T) {
	event := mustRow(t, enums.EventOrderPaid, uuid.New())
	event.AttemptCount = 2
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{failFor: map[string]error{event.ID.String(): errors.New("unavailable")}}
	reg := prometheus.NewRegistry()
	pm := metrics.NewPipelineMetrics(reg)
	service := newTestService(t, repo, pub, &config.OutboxConfig{BatchSize: 10, MaxAttempts: 3}, pm)

	if _, err := service.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if repo.failed[event.ID] != 3 {
		t.Fatalf("expected entry FAILED after 3 attempts, got %v", repo.failed)
	}
	if len(repo.attempts) != 0 {
		t.Fatalf("terminal failure should not record a plain attempt")
	}
	got, err := testutil.GatherAndCount(reg, "outbox_failed_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected outbox_failed_total series, got %d", got)
	}
}

func TestProcessBatchHoldsLaterEntriesOfFailedAggregate(t *testing.T) {
	stuck := uuid.New()
	other := uuid.New()
	first := mustRow(t, enums.EventProductLiked, stuck)
	second := mustRow(t, enums.EventProductUnliked, stuck)
	third := mustRow(t, enums.EventProductLiked, other)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second, third}}
	pub := &fakePublisher{failFor: map[string]error{first.ID.String(): errors.New("transient")}}
	service := newTestService(t, repo, pub, nil, nil)

	if _, err := service.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.messages) != 2 {
		t.Fatalf("expected the held entry not to be published, got %d publishes", len(pub.messages))
	}
	if len(repo.sent) != 1 || repo.sent[0] != third.ID {
		t.Fatalf("only the independent aggregate should be sent: %v", repo.sent)
	}
	if _, touched := repo.attempts[second.ID]; touched {
		t.Fatalf("held entry must not consume an attempt")
	}
}

func TestProcessBatchFailsUnresolvableEntryImmediately(t *testing.T) {
	event := mustRow(t, enums.EventOrderPaid, uuid.New())
	event.AggregateType = enums.AggregateCoupon
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{}
	service := newTestService(t, repo, pub, nil, nil)

	if _, err := service.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if _, ok := repo.failed[event.ID]; !ok {
		t.Fatalf("expected entry FAILED without retry")
	}
	if len(pub.messages) != 0 {
		t.Fatalf("unresolvable entry must not be published")
	}
}

func TestProcessBatchAgainstDatabase(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	client := db.Wrap(conn)
	repo := outbox.NewRepository(conn)
	logg := testLogger()
	emitter := outbox.NewService(repo, logg)
	ctx := context.Background()

	var envelopes []outbox.EventEnvelope
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		for i := 0; i < 3; i++ {
			env, err := emitter.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventProductViewed,
				AggregateType: enums.AggregateProduct,
				AggregateID:   uuid.New(),
			})
			if err != nil {
				return err
			}
			envelopes = append(envelopes, env)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	pub := &fakePublisher{failFor: map[string]error{envelopes[1].ID().String(): errors.New("transient")}}
	service, err := NewService(ServiceParams{
		Config:           config.OutboxConfig{BatchSize: 10, MaxAttempts: 5},
		Logger:           logg,
		DB:               client,
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         newRegistry(t),
		PublisherFactory: func(string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if n, err := service.ProcessBatch(ctx); err != nil || n != 3 {
		t.Fatalf("first batch: n=%d err=%v", n, err)
	}
	row, err := repo.FindByID(ctx, envelopes[1].ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != enums.OutboxStatusPending || row.AttemptCount != 1 {
		t.Fatalf("expected pending with one attempt, got %s/%d", row.Status, row.AttemptCount)
	}

	pub.failFor = nil
	if n, err := service.ProcessBatch(ctx); err != nil || n != 1 {
		t.Fatalf("second batch should only see the retried entry: n=%d err=%v", n, err)
	}
	for _, env := range envelopes {
		row, err := repo.FindByID(ctx, env.ID())
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if row.Status != enums.OutboxStatusSent {
			t.Fatalf("entry %s not sent: %s", env.ID(), row.Status)
		}
	}
}

func TestProcessBatchKeepsAggregateBehindFailedEntry(t *testing.T) {
	conn := dbtest.OpenSQLite(t)
	client := db.Wrap(conn)
	repo := outbox.NewRepository(conn)
	logg := testLogger()
	emitter := outbox.NewService(repo, logg)
	ctx := context.Background()

	product, other := uuid.New(), uuid.New()
	var x1, x2, y1 outbox.EventEnvelope
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		emitFor := func(eventType enums.OutboxEventType, aggregateID uuid.UUID) outbox.EventEnvelope {
			if err != nil {
				return outbox.EventEnvelope{}
			}
			var env outbox.EventEnvelope
			env, err = emitter.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     eventType,
				AggregateType: enums.AggregateProduct,
				AggregateID:   aggregateID,
			})
			return env
		}
		x1 = emitFor(enums.EventProductLiked, product)
		x2 = emitFor(enums.EventProductUnliked, product)
		y1 = emitFor(enums.EventProductViewed, other)
		return err
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	pub := &fakePublisher{failFor: map[string]error{x1.ID().String(): errors.New("broker unavailable")}}
	service, err := NewService(ServiceParams{
		Config:           config.OutboxConfig{BatchSize: 10, MaxAttempts: 1},
		Logger:           logg,
		DB:               client,
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         newRegistry(t),
		PublisherFactory: func(string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := service.ProcessBatch(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	pub.failFor = nil
	if n, err := service.ProcessBatch(ctx); err != nil || n != 0 {
		t.Fatalf("entries behind a FAILED entry must stay unpublished: n=%d err=%v", n, err)
	}
	row, err := repo.FindByID(ctx, x2.ID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != enums.OutboxStatusPending {
		t.Fatalf("expected held entry to stay PENDING, got %s", row.Status)
	}

	if err := repo.Requeue(ctx, x1.ID()); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n, err := service.ProcessBatch(ctx); err != nil || n != 2 {
		t.Fatalf("requeued aggregate should publish: n=%d err=%v", n, err)
	}

	var published []string
	for _, msg := range pub.messages {
		published = append(published, msg.Attributes["event_id"])
	}
	want := []string{x1.ID().String(), y1.ID().String(), x1.ID().String(), x2.ID().String()}
	if len(published) != len(want) {
		t.Fatalf("unexpected publish sequence %v", published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("publish %d: got %s, want %s", i, published[i], want[i])
		}
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(0, 100, 1000); got != 200 {
		t.Fatalf("expected doubling from base, got %v", got)
	}
	if got := nextBackoff(800, 100, 1000); got != 1000 {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestNewServiceDefaultsAndRequirements(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: testLogger()}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
	service := newTestService(t, &fakeRepo{}, &fakePublisher{}, &config.OutboxConfig{}, nil)
	if service.batchSize != fallbackBatchSize || service.maxAttempts != fallbackMaxAttempts {
		t.Fatalf("unexpected defaults %d/%d", service.batchSize, service.maxAttempts)
	}
	if service.pollInterval != fallbackPollInterval || service.publishTimeout != fallbackPublishTimeout {
		t.Fatalf("unexpected timing defaults %v/%v", service.pollInterval, service.publishTimeout)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	service := newTestService(t, &fakeRepo{}, &fakePublisher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func newTestService(t *testing.T, repo entryStore, pub publisher, outboxCfg *config.OutboxConfig, pm *metrics.PipelineMetrics) *Service {
	t.Helper()
	cfg := config.OutboxConfig{BatchSize: 10, PollIntervalMS: 100, MaxAttempts: 5}
	if outboxCfg != nil {
		cfg = *outboxCfg
	}
	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     testLogger(),
		DB:         &fakeDB{},
		PubSub:     &fakePubSubClient{},
		Repository: repo,
		Registry:   newRegistry(t),
		PublisherFactory: func(topic string) publisher {
			pub.(*fakePublisher).topics = append(pub.(*fakePublisher).topics, topic)
			return pub
		},
		Metrics: pm,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func newRegistry(t *testing.T) *registry.EventRegistry {
	t.Helper()
	reg, err := registry.NewEventRegistry(config.PubSubConfig{
		CouponsTopic:  "coupons-topic",
		ProductsTopic: "products-topic",
		OrdersTopic:   "orders-topic",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "outbox-relay-test", Output: io.Discard})
}

func mustRow(t *testing.T, eventType enums.OutboxEventType, aggregateID uuid.UUID) models.OutboxEvent {
	t.Helper()
	aggregateType := enums.AggregateOrder
	switch eventType {
	case enums.EventProductLiked, enums.EventProductUnliked, enums.EventProductViewed:
		aggregateType = enums.AggregateProduct
	case enums.EventCouponUsed:
		aggregateType = enums.AggregateCoupon
	}
	env, err := outbox.NewEventEnvelope(eventType, aggregateType, aggregateID, map[string]string{"id": aggregateID.String()})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return models.OutboxEvent{
		ID:            env.ID(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       raw,
		Status:        enums.OutboxStatusPending,
		OccurredAt:    env.OccurredAt(),
	}
}

type fakeRepo struct {
	events   []models.OutboxEvent
	sent     []uuid.UUID
	attempts map[uuid.UUID]int
	failed   map[uuid.UUID]int
}

func (f *fakeRepo) FetchPending(tx *gorm.DB, limit int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkSent(tx *gorm.DB, id uuid.UUID) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeRepo) RecordAttempt(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error {
	if f.attempts == nil {
		f.attempts = map[uuid.UUID]int{}
	}
	f.attempts[id] = attempts
	return nil
}

func (f *fakeRepo) MarkFailed(tx *gorm.DB, id uuid.UUID, attempts int, cause error) error {
	if f.failed == nil {
		f.failed = map[uuid.UUID]int{}
	}
	f.failed[id] = attempts
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error {
	return nil
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	failFor  map[string]error
	messages []*gcppubsub.Message
	topics   []string
	resumed  []string
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	return fakePublishResult{err: f.failFor[msg.Attributes["event_id"]]}
}

func (f *fakePublisher) ResumePublish(key string) {
	f.resumed = append(f.resumed, key)
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}
