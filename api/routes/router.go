package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/commerce-pipeline/api/controllers"
	"github.com/angelmondragon/commerce-pipeline/api/middleware"
	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
	"github.com/angelmondragon/commerce-pipeline/pkg/metrics"
	pkgredis "github.com/angelmondragon/commerce-pipeline/pkg/redis"
)

// Services groups everything the router dispatches to. Redis may be nil, in
// which case Idempotency-Key replay is disabled.
type Services struct {
	Orders         controllers.OrdersService
	Payments       controllers.PaymentRequester
	Callbacks      controllers.CallbackHandler
	Likes          controllers.LikesService
	ProductMetrics controllers.ProductMetricsService
	Coupons        controllers.CouponExpirer
	DeadLetters    controllers.DeadLetterService
	Outbox         controllers.OutboxOperator
	Idempotency    pkgredis.IdempotencyStore
	Health         map[string]controllers.Pinger
	Gatherer       prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, svc Services) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, svc.Health))
	})
	if svc.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(svc.Gatherer))
	}

	// The gateway authenticates with its shared secret, not a user token.
	r.Post(cfg.Payments.CallbackBasePath, controllers.PaymentCallback(svc.Callbacks, cfg.Payments.GatewaySecret, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(svc.Idempotency, logg))

		r.Route("/products/{productId}", func(r chi.Router) {
			r.Put("/like", controllers.LikeProduct(svc.Likes, logg))
			r.Delete("/like", controllers.UnlikeProduct(svc.Likes, logg))
			r.Post("/views", controllers.RecordProductView(svc.ProductMetrics, logg))
			r.Get("/metrics", controllers.GetProductMetrics(svc.ProductMetrics, logg))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", controllers.CreateOrder(svc.Orders, logg))
			r.Get("/{orderId}", controllers.GetOrder(svc.Orders, logg))
			r.Post("/{orderId}/payments", controllers.RequestPayment(svc.Orders, svc.Payments, logg))
		})

		r.Route("/operator", func(r chi.Router) {
			r.Use(middleware.RequireOperator(logg))
			r.Get("/dead-letters", controllers.ListDeadLetters(svc.DeadLetters, logg))
			r.Get("/dead-letters/{deadLetterId}", controllers.GetDeadLetter(svc.DeadLetters, logg))
			r.Post("/dead-letters/{deadLetterId}/replay", controllers.ReplayDeadLetter(svc.DeadLetters, logg))
			r.Get("/outbox/failed", controllers.ListFailedOutbox(svc.Outbox, logg))
			r.Post("/outbox/{eventId}/requeue", controllers.RequeueOutbox(svc.Outbox, logg))
			r.Post("/coupons/{couponId}/expire", controllers.ExpireCoupon(svc.Coupons, logg))
		})
	})

	return r
}
