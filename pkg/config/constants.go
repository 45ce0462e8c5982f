package config

const EnvPrefix = "MERCADOFREE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	PaymentsModeRandom = "random"
	PaymentsModeManual = "manual"

	OutboxTransportKafka  = "kafka"
	OutboxTransportPubSub = "pubsub"

	DefaultSQLiteDSN = "file:mercadofree.db?_foreign_keys=on"
)

const (
	EnvAppEnv   = "MERCADOFREE_APP_ENV"
	EnvPort     = "MERCADOFREE_APP_PORT"
	EnvLogLevel = "MERCADOFREE_LOG_LEVEL"

	EnvDBDSN  = "MERCADOFREE_DB_DSN"
	EnvDBHost = "MERCADOFREE_DB_HOST"
	EnvDBUser = "MERCADOFREE_DB_USER"
	EnvDBName = "MERCADOFREE_DB_NAME"

	EnvRedisURL  = "MERCADOFREE_REDIS_URL"
	EnvJWTSecret = "MERCADOFREE_JWT_SECRET"
	EnvUseSQLite = "MERCADOFREE_USE_SQLITE"

	EnvOrdersPendingWindow  = "MERCADOFREE_ORDERS_PENDING_WINDOW"
	EnvPaymentsMode         = "MERCADOFREE_PAYMENTS_MODE"
	EnvPaymentsApprovalRate = "MERCADOFREE_PAYMENTS_APPROVAL_RATE"
	EnvOutboxTransport      = "MERCADOFREE_OUTBOX_TRANSPORT"
	EnvKafkaBrokers         = "MERCADOFREE_KAFKA_BROKERS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
