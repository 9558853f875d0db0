package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/commerce-pipeline/api/controllers"
	"github.com/angelmondragon/commerce-pipeline/api/routes"
	"github.com/angelmondragon/commerce-pipeline/internal/coupons"
	"github.com/angelmondragon/commerce-pipeline/internal/deadletter"
	"github.com/angelmondragon/commerce-pipeline/internal/likes"
	"github.com/angelmondragon/commerce-pipeline/internal/orders"
	"github.com/angelmondragon/commerce-pipeline/internal/payments"
	"github.com/angelmondragon/commerce-pipeline/internal/productmetrics"
	"github.com/angelmondragon/commerce-pipeline/internal/streamer"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/db"
	"github.com/angelmondragon/commerce-pipeline/pkg/gateway"
	"github.com/angelmondragon/commerce-pipeline/pkg/instance"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	"github.com/angelmondragon/commerce-pipeline/pkg/migrate"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox"
	"github.com/angelmondragon/commerce-pipeline/pkg/outbox/idempotency"
	"github.com/angelmondragon/commerce-pipeline/pkg/redis"
	"github.com/angelmondragon/commerce-pipeline/pkg/telemetry"
)

const (
	serviceName     = "api"
	shutdownTimeout = 15 * time.Second
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

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	if err := run(ctx, cfg, logg, addr); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "api server shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, addr string) (err error) {
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

	health := map[string]controllers.Pinger{"database": dbClient}

	// Redis is optional: without it the metrics read path goes straight to
	// the database and Idempotency-Key replay is off.
	var (
		cache            redis.Cache
		idempotencyStore redis.IdempotencyStore
	)
	if redisConfigured(cfg.Redis) {
		redisClient, redisErr := redis.New(ctx, cfg.Redis, logg)
		if redisErr != nil {
			logg.Error(ctx, "failed to bootstrap redis", redisErr)
			return redisErr
		}
		defer func() { err = multierr.Append(err, redisClient.Close()) }()
		cache = redisClient
		idempotencyStore = redisClient
		health["redis"] = redisClient
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	couponService, err := coupons.NewService(coupons.ServiceParams{
		DB:                dbClient,
		Repository:        coupons.NewRepository(dbClient.DB()),
		Outbox:            emitter,
		Logger:            logg,
		Metrics:           pipelineMetrics,
		OptimisticRetries: cfg.Locking.OptimisticRetries,
	})
	if err != nil {
		logg.Error(ctx, "failed to create coupon service", err)
		return err
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	orderService, err := orders.NewService(orders.ServiceParams{
		DB:         dbClient,
		Repository: ordersRepo,
		Coupons:    couponService,
		Outbox:     emitter,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create order service", err)
		return err
	}

	paymentParams := payments.ServiceParams{
		Config:  cfg.Payments,
		DB:      dbClient,
		Orders:  ordersRepo,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: pipelineMetrics,
	}
	if strings.TrimSpace(cfg.Payments.GatewayURL) != "" {
		gatewayClient, gwErr := gateway.NewClient(cfg.Payments.GatewayURL, cfg.Payments.RequestTimeout, gateway.WithSecret(cfg.Payments.GatewaySecret))
		if gwErr != nil {
			logg.Error(ctx, "failed to create payment gateway client", gwErr)
			return gwErr
		}
		paymentParams.Gateway = gatewayClient
	} else {
		logg.Warn(ctx, "payment gateway url not set; payment requests will be rejected")
	}
	paymentService, err := payments.NewService(paymentParams)
	if err != nil {
		logg.Error(ctx, "failed to create payment service", err)
		return err
	}

	likeService, err := likes.NewService(likes.ServiceParams{
		DB:                dbClient,
		Repository:        likes.NewRepository(),
		Outbox:            emitter,
		Logger:            logg,
		Metrics:           pipelineMetrics,
		OptimisticRetries: cfg.Locking.OptimisticRetries,
	})
	if err != nil {
		logg.Error(ctx, "failed to create like service", err)
		return err
	}

	metricsService, err := productmetrics.NewService(productmetrics.ServiceParams{
		DB:         dbClient,
		Repository: productmetrics.NewRepository(dbClient.DB()),
		Outbox:     emitter,
		Cache:      cache,
		CacheTTL:   cfg.Cache.ProductMetricsTTL,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create product metrics service", err)
		return err
	}

	deadLetters, err := deadletter.NewService(outbox.NewDLQRepository(dbClient.DB()), dbClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to create dead letter service", err)
		return err
	}
	replayer, err := newReplayConsumer(cfg, logg, dbClient, deadLetters, cache, pipelineMetrics)
	if err != nil {
		logg.Error(ctx, "failed to create replay consumer", err)
		return err
	}
	deadLetters.SetRedeliverer(replayer)

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Services{
			Orders:         orderService,
			Payments:       paymentService,
			Callbacks:      paymentService,
			Likes:          likeService,
			ProductMetrics: metricsService,
			Coupons:        couponService,
			DeadLetters:    deadLetters,
			Outbox:         outbox.NewRepository(dbClient.DB()),
			Idempotency:    idempotencyStore,
			Health:         health,
			Gatherer:       prometheus.DefaultGatherer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newReplayConsumer builds a consumer with no subscriptions. Operator replays
// run through it so they hit the same ledger and handlers as the streamer.
func newReplayConsumer(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, deadLetters *deadletter.Service, cache redis.Cache, m *metrics.PipelineMetrics) (*streamer.Consumer, error) {
	ledger, err := idempotency.NewLedger(dbClient.DB())
	if err != nil {
		return nil, err
	}
	handlers := []streamer.Handler{productmetrics.NewCounterHandler(productmetrics.NewMutator())}
	if cache != nil {
		handlers = append(handlers, productmetrics.NewCacheHandler(cache))
	}
	return streamer.NewConsumer(streamer.ConsumerParams{
		Config:      cfg.Streamer,
		Logger:      logg,
		DB:          dbClient,
		Ledger:      ledger,
		DeadLetters: deadLetters,
		Handlers:    handlers,
		Metrics:     m,
	})
}

func redisConfigured(cfg config.RedisConfig) bool {
	return strings.TrimSpace(cfg.URL) != "" || strings.TrimSpace(cfg.Address) != ""
}
