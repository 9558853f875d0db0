package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/commerce-pipeline/internal/deadletter"
	"github.com/angelmondragon/commerce-pipeline/internal/productmetrics"
	"github.com/angelmondragon/commerce-pipeline/internal/streamer"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/migrate"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/idempotency"
	"github.com/angelmondragon/commerce-pipeline/pkg/pubsub"
	"github.com/angelmondragon/commerce-pipeline/pkg/redis"
	"github.com/angelmondragon/commerce-pipeline/pkg/telemetry"
)

const serviceName = "streamer"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "streamer stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "streamer shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	if cfg.Telemetry.Enabled {
		shutdown, initErr := telemetry.Init(ctx, cfg.Telemetry)
		if initErr != nil {
			return initErr
		}
		defer func() { err = multierr.Append(err, shutdown(context.Background())) }()
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		return err
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, pubsub.RoleSubscriber, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap pubsub", err)
		return err
	}
	defer func() { err = multierr.Append(err, pubsubClient.Close()) }()

	ledger, err := idempotency.NewLedger(dbClient.DB())
	if err != nil {
		return err
	}
	deadLetters, err := deadletter.NewService(outbox.NewDLQRepository(dbClient.DB()), dbClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to create dead letter service", err)
		return err
	}

	handlers := []streamer.Handler{productmetrics.NewCounterHandler(productmetrics.NewMutator())}
	if redisConfigured(cfg.Redis) {
		var cache *redis.Client
		cache, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			return err
		}
		defer func() { err = multierr.Append(err, cache.Close()) }()
		// Eviction runs after the counter so readers refill from committed counts.
		handlers = append(handlers, productmetrics.NewCacheHandler(cache))
	}

	subscriptions := pubsubClient.Subscriptions()
	subscribers := make([]streamer.Subscriber, 0, len(subscriptions))
	for _, sub := range subscriptions {
		subscribers = append(subscribers, sub)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	go func() {
		if err := metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
			logg.Error(ctx, "metrics listener failed", err)
		}
	}()

	consumer, err := streamer.NewConsumer(streamer.ConsumerParams{
		Config:      cfg.Streamer,
		Logger:      logg,
		DB:          dbClient,
		Ledger:      ledger,
		DeadLetters: deadLetters,
		Handlers:    handlers,
		Subscribers: subscribers,
		Metrics:     pipelineMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create consumer", err)
		return err
	}
	deadLetters.SetRedeliverer(consumer)

	logg.Info(logg.WithField(ctx, "subscriptions", len(subscribers)), "starting streamer")
	return consumer.Run(ctx)
}

func redisConfigured(cfg config.RedisConfig) bool {
	return strings.TrimSpace(cfg.URL) != "" || strings.TrimSpace(cfg.Address) != ""
}
