package config

// EnvPrefix is the envconfig prefix; every variable is also bound by its full name.
const EnvPrefix = "COMMERCE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "COMMERCE_APP_ENV"
	EnvPort     = "COMMERCE_APP_PORT"
	EnvLogLevel = "COMMERCE_LOG_LEVEL"

	EnvDBDSN  = "COMMERCE_DB_DSN"
	EnvDBHost = "COMMERCE_DB_HOST"
	EnvDBUser = "COMMERCE_DB_USER"
	EnvDBName = "COMMERCE_DB_NAME"

	EnvRedisURL     = "COMMERCE_REDIS_URL"
	EnvGCPProjectID = "COMMERCE_GCP_PROJECT_ID"

	EnvPubSubCouponsTopic  = "COMMERCE_PUBSUB_COUPONS_TOPIC"
	EnvPubSubProductsTopic = "COMMERCE_PUBSUB_PRODUCTS_TOPIC"
	EnvPubSubOrdersTopic   = "COMMERCE_PUBSUB_ORDERS_TOPIC"

	EnvOutboxMaxAttempts   = "COMMERCE_OUTBOX_MAX_ATTEMPTS"
	EnvStreamerMaxAttempts = "COMMERCE_STREAMER_MAX_ATTEMPTS"

	EnvPaymentsAPIBaseURL            = "COMMERCE_PAYMENTS_API_BASE_URL"
	EnvPaymentsCallbackBasePath      = "COMMERCE_PAYMENTS_CALLBACK_BASE_PATH"
	EnvPaymentsCallbackRetryAttempts = "COMMERCE_PAYMENTS_CALLBACK_RETRY_ATTEMPTS"
	EnvPaymentsCallbackRetryBackoff  = "COMMERCE_PAYMENTS_CALLBACK_RETRY_BACKOFF"
)

var componentDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
