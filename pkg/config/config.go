package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	Outbox    OutboxConfig
	Streamer  StreamerConfig
	Payments  PaymentsConfig
	Locking   LockingConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig

	Housekeeping HousekeepingConfig
	JWT          JWTConfig

	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"COMMERCE_APP_ENV" required:"true"`
	Port         string   `envconfig:"COMMERCE_APP_PORT" default:"8080"`
	CORSOrigins  []string `envconfig:"COMMERCE_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	LogLevel     string   `envconfig:"COMMERCE_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"COMMERCE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"COMMERCE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"COMMERCE_DB_DSN"`
	Driver string `envconfig:"COMMERCE_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"COMMERCE_DB_HOST"`
	Port     int    `envconfig:"COMMERCE_DB_PORT" default:"5432"`
	User     string `envconfig:"COMMERCE_DB_USER"`
	Password string `envconfig:"COMMERCE_DB_PASSWORD"`
	Name     string `envconfig:"COMMERCE_DB_NAME"`
	SSLMode  string `envconfig:"COMMERCE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COMMERCE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COMMERCE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COMMERCE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COMMERCE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// LockTimeout bounds how long a transaction waits on a row lock.
	LockTimeout time.Duration `envconfig:"COMMERCE_DB_LOCK_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COMMERCE_REDIS_URL"`
	Address      string        `envconfig:"COMMERCE_REDIS_ADDR"`
	Password     string        `envconfig:"COMMERCE_REDIS_PASSWORD"`
	DB           int           `envconfig:"COMMERCE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COMMERCE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COMMERCE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COMMERCE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COMMERCE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COMMERCE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"COMMERCE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"COMMERCE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"COMMERCE_GOOGLE_APPLICATION_CREDENTIALS"`
}

// PubSubConfig names one topic per event family. Every family shares the
// streamer subscription set so a single consumer process sees all events.
type PubSubConfig struct {
	CouponsTopic         string `envconfig:"COMMERCE_PUBSUB_COUPONS_TOPIC" default:"commerce-coupon-events"`
	ProductsTopic        string `envconfig:"COMMERCE_PUBSUB_PRODUCTS_TOPIC" default:"commerce-product-events"`
	OrdersTopic          string `envconfig:"COMMERCE_PUBSUB_ORDERS_TOPIC" default:"commerce-order-events"`
	CouponsSubscription  string `envconfig:"COMMERCE_PUBSUB_COUPONS_SUBSCRIPTION" default:"commerce-coupon-events-streamer"`
	ProductsSubscription string `envconfig:"COMMERCE_PUBSUB_PRODUCTS_SUBSCRIPTION" default:"commerce-product-events-streamer"`
	OrdersSubscription   string `envconfig:"COMMERCE_PUBSUB_ORDERS_SUBSCRIPTION" default:"commerce-order-events-streamer"`
}

// Topics lists every topic the relay publishes to.
func (p PubSubConfig) Topics() []string {
	return nonBlank(p.CouponsTopic, p.ProductsTopic, p.OrdersTopic)
}

// Subscriptions lists every subscription the streamer drains.
func (p PubSubConfig) Subscriptions() []string {
	return nonBlank(p.CouponsSubscription, p.ProductsSubscription, p.OrdersSubscription)
}

func nonBlank(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type OutboxConfig struct {
	BatchSize        int `envconfig:"COMMERCE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS   int `envconfig:"COMMERCE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts      int `envconfig:"COMMERCE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	PublishTimeoutMS int `envconfig:"COMMERCE_OUTBOX_PUBLISH_TIMEOUT_MS" default:"15000"`
}

type StreamerConfig struct {
	MaxAttempts    int           `envconfig:"COMMERCE_STREAMER_MAX_ATTEMPTS" default:"5"`
	BaseBackoff    time.Duration `envconfig:"COMMERCE_STREAMER_BASE_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"COMMERCE_STREAMER_MAX_BACKOFF" default:"10s"`
	HandlerTimeout time.Duration `envconfig:"COMMERCE_STREAMER_HANDLER_TIMEOUT" default:"30s"`
}

type PaymentsConfig struct {
	GatewayURL            string        `envconfig:"COMMERCE_PAYMENTS_GATEWAY_URL"`
	GatewaySecret         string        `envconfig:"COMMERCE_PAYMENTS_GATEWAY_SECRET"`
	APIBaseURL            string        `envconfig:"COMMERCE_PAYMENTS_API_BASE_URL" default:"http://localhost:8080"`
	CallbackBasePath      string        `envconfig:"COMMERCE_PAYMENTS_CALLBACK_BASE_PATH" default:"/api/v1/payments/callback"`
	RequestTimeout        time.Duration `envconfig:"COMMERCE_PAYMENTS_REQUEST_TIMEOUT" default:"10s"`
	CallbackRetryAttempts int           `envconfig:"COMMERCE_PAYMENTS_CALLBACK_RETRY_ATTEMPTS" default:"3"`
	CallbackRetryBackoff  time.Duration `envconfig:"COMMERCE_PAYMENTS_CALLBACK_RETRY_BACKOFF" default:"200ms"`
}

// CallbackURL is the URL the gateway calls back for the given order.
func (p PaymentsConfig) CallbackURL(orderID string) string {
	base := strings.TrimRight(strings.TrimSpace(p.APIBaseURL), "/")
	path := "/" + strings.TrimLeft(strings.TrimSpace(p.CallbackBasePath), "/")
	return base + path + "?orderId=" + url.QueryEscape(orderID)
}

func (p PaymentsConfig) validate() error {
	if strings.TrimSpace(p.APIBaseURL) == "" {
		return fmt.Errorf("%s is required", EnvPaymentsAPIBaseURL)
	}
	if _, err := url.Parse(p.APIBaseURL); err != nil {
		return fmt.Errorf("%s is invalid: %w", EnvPaymentsAPIBaseURL, err)
	}
	if p.CallbackRetryAttempts < 0 {
		return fmt.Errorf("%s must not be negative", EnvPaymentsCallbackRetryAttempts)
	}
	return nil
}

type LockingConfig struct {
	OptimisticRetries int `envconfig:"COMMERCE_LOCKING_OPTIMISTIC_RETRIES" default:"3"`
}

type CacheConfig struct {
	ProductMetricsTTL time.Duration `envconfig:"COMMERCE_CACHE_PRODUCT_METRICS_TTL" default:"5m"`
}

type TelemetryConfig struct {
	Enabled     bool   `envconfig:"COMMERCE_TELEMETRY_ENABLED" default:"false"`
	ServiceName string `envconfig:"COMMERCE_TELEMETRY_SERVICE_NAME" default:"commerce-pipeline"`
	TracingURL  string `envconfig:"COMMERCE_TELEMETRY_TRACING_URL" default:"localhost:4318"`
	// MetricsAddr is where worker binaries expose /metrics. Empty disables it.
	MetricsAddr string `envconfig:"COMMERCE_TELEMETRY_METRICS_ADDR" default:":9090"`
}

// HousekeepingConfig drives the cron worker. Idempotency records are never
// pruned; only SENT outbox rows age out, and never before seven days.
type HousekeepingConfig struct {
	Interval          time.Duration `envconfig:"COMMERCE_HOUSEKEEPING_INTERVAL" default:"15m"`
	LockTTL           time.Duration `envconfig:"COMMERCE_HOUSEKEEPING_LOCK_TTL" default:"30m"`
	JobTimeout        time.Duration `envconfig:"COMMERCE_HOUSEKEEPING_JOB_TIMEOUT" default:"5m"`
	OutboxRetention   time.Duration `envconfig:"COMMERCE_HOUSEKEEPING_OUTBOX_RETENTION" default:"720h"`
	BatchSize         int           `envconfig:"COMMERCE_HOUSEKEEPING_BATCH_SIZE" default:"500"`
	PaymentStaleAfter time.Duration `envconfig:"COMMERCE_HOUSEKEEPING_PAYMENT_STALE_AFTER" default:"30m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"COMMERCE_AUTO_MIGRATE" default:"false"`
}

// JWTConfig verifies the bearer tokens presented to the API. Operator
// endpoints additionally require the operator role claim.
type JWTConfig struct {
	Secret            string `envconfig:"COMMERCE_JWT_SECRET"`
	Issuer            string `envconfig:"COMMERCE_JWT_ISSUER" default:"commerce-pipeline"`
	ExpirationMinutes int    `envconfig:"COMMERCE_JWT_EXPIRATION_MINUTES" default:"60"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range componentDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
