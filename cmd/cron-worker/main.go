package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/commerce-pipeline/internal/coupons"
	"github.com/angelmondragon/commerce-pipeline/internal/cron"
	"github.com/angelmondragon/commerce-pipeline/internal/orders"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/migrate"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/redis"
)

const (
	serviceName   = "cron-worker"
	lockKeyFormat = "commerce:cron-worker:lock:%s"
)

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
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
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

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		return err
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	hk := cfg.Housekeeping
	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	go func() {
		if err := metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
			logg.Error(ctx, "metrics listener failed", err)
		}
	}()

	couponRepo := coupons.NewRepository(dbClient.DB())
	couponService, err := coupons.NewService(coupons.ServiceParams{
		DB:                dbClient,
		Repository:        couponRepo,
		Outbox:            outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Logger:            logg,
		Metrics:           pipelineMetrics,
		OptimisticRetries: cfg.Locking.OptimisticRetries,
	})
	if err != nil {
		return err
	}

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  hk.OutboxRetention,
		BatchSize:  hk.BatchSize,
	})
	if err != nil {
		return err
	}
	expiryJob, err := cron.NewCouponExpiryJob(cron.CouponExpiryJobParams{
		Logger:    logg,
		Coupons:   couponRepo,
		Expirer:   couponService,
		BatchSize: hk.BatchSize,
	})
	if err != nil {
		return err
	}
	staleJob, err := cron.NewStalePaymentJob(cron.StalePaymentJobParams{
		Logger:     logg,
		Orders:     orders.NewRepository(dbClient.DB()),
		Metrics:    pipelineMetrics,
		StaleAfter: hk.PaymentStaleAfter,
		BatchSize:  hk.BatchSize,
	})
	if err != nil {
		return err
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), hk.LockTTL)
	if err != nil {
		logg.Error(ctx, "failed to create cron lock", err)
		return err
	}

	registry := cron.NewRegistry(retentionJob, expiryJob, staleJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    cronMetrics,
		Interval:   hk.Interval,
		JobTimeout: hk.JobTimeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		return err
	}

	logg.Info(logg.WithField(ctx, "jobs", registry.Names()), "starting cron worker")
	return service.Run(ctx)
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
