package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Orders       OrdersConfig
	Payments     PaymentsConfig
	Cron         CronConfig
	Eventing     EventingConfig
	Outbox       OutboxConfig
	Kafka        KafkaConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MERCADOFREE_APP_ENV" required:"true"`
	Port         string `envconfig:"MERCADOFREE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"MERCADOFREE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MERCADOFREE_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"MERCADOFREE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MERCADOFREE_SERVICE_KIND" default:"api"`
	// MetricsAddr serves /metrics from the workers; empty disables it. The API
	// exposes its metrics on its own router.
	MetricsAddr string `envconfig:"MERCADOFREE_METRICS_ADDR"`
}

type DBConfig struct {
	DSN    string `envconfig:"MERCADOFREE_DB_DSN"`
	Driver string `envconfig:"MERCADOFREE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MERCADOFREE_DB_HOST"`
	LegacyPort     int    `envconfig:"MERCADOFREE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MERCADOFREE_DB_USER"`
	LegacyPassword string `envconfig:"MERCADOFREE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MERCADOFREE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MERCADOFREE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MERCADOFREE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MERCADOFREE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MERCADOFREE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MERCADOFREE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// TxRetries re-runs a transaction that lost a serialization or deadlock
	// race. 0 disables retries.
	TxRetries int `envconfig:"MERCADOFREE_DB_TX_RETRIES" default:"2"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MERCADOFREE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MERCADOFREE_REDIS_ADDR"`
	Password     string        `envconfig:"MERCADOFREE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MERCADOFREE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MERCADOFREE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MERCADOFREE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MERCADOFREE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MERCADOFREE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MERCADOFREE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MERCADOFREE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MERCADOFREE_JWT_ISSUER" default:"mercadofree"`
	ExpirationMinutes int    `envconfig:"MERCADOFREE_JWT_EXPIRATION_MINUTES" default:"60"`
	// Leeway absorbs clock skew between the token issuer and this API.
	Leeway time.Duration `envconfig:"MERCADOFREE_JWT_LEEWAY" default:"30s"`
}

// TTL returns the access token lifetime.
func (j JWTConfig) TTL() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MERCADOFREE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MERCADOFREE_AUTO_MIGRATE" default:"false"`
}

type OrdersConfig struct {
	PendingWindow      time.Duration `envconfig:"MERCADOFREE_ORDERS_PENDING_WINDOW" default:"10m"`
	ExpiryBatchSize    int           `envconfig:"MERCADOFREE_ORDERS_EXPIRY_BATCH_SIZE" default:"100"`
	CheckoutRateLimit  int           `envconfig:"MERCADOFREE_ORDERS_CHECKOUT_RATE_LIMIT" default:"10"`
	CheckoutRateWindow time.Duration `envconfig:"MERCADOFREE_ORDERS_CHECKOUT_RATE_WINDOW" default:"1m"`
}

type PaymentsConfig struct {
	Mode         string  `envconfig:"MERCADOFREE_PAYMENTS_MODE" default:"random"`
	ApprovalRate float64 `envconfig:"MERCADOFREE_PAYMENTS_APPROVAL_RATE" default:"0.9"`
}

// NormalizedMode is the trimmed lower-case payments mode.
func (p PaymentsConfig) NormalizedMode() string {
	return strings.ToLower(strings.TrimSpace(p.Mode))
}

func (p PaymentsConfig) validate() error {
	switch p.NormalizedMode() {
	case PaymentsModeRandom, PaymentsModeManual:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvPaymentsMode, PaymentsModeRandom, PaymentsModeManual)
	}
	if p.ApprovalRate < 0 || p.ApprovalRate > 1 {
		return fmt.Errorf("%s must be within [0,1]", EnvPaymentsApprovalRate)
	}
	return nil
}

type CronConfig struct {
	Interval time.Duration `envconfig:"MERCADOFREE_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"MERCADOFREE_CRON_LOCK_TTL" default:"2m"`
}

type EventingConfig struct {
	IdempotencyTTL   time.Duration `envconfig:"MERCADOFREE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	IdempotencyLease time.Duration `envconfig:"MERCADOFREE_EVENTING_IDEMPOTENCY_LEASE" default:"2m"`
}

type OutboxConfig struct {
	Transport      string `envconfig:"MERCADOFREE_OUTBOX_TRANSPORT" default:"kafka"`
	BatchSize      int    `envconfig:"MERCADOFREE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"MERCADOFREE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"MERCADOFREE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int    `envconfig:"MERCADOFREE_OUTBOX_RETENTION_DAYS" default:"30"`
	// DLQRetentionDays keeps parked events long enough to replay them.
	DLQRetentionDays int `envconfig:"MERCADOFREE_OUTBOX_DLQ_RETENTION_DAYS" default:"90"`
	PruneChunk       int `envconfig:"MERCADOFREE_OUTBOX_PRUNE_CHUNK" default:"1000"`
}

func (o OutboxConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Transport)) {
	case OutboxTransportKafka, OutboxTransportPubSub:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvOutboxTransport, OutboxTransportKafka, OutboxTransportPubSub)
	}
}

type KafkaConfig struct {
	Brokers        []string `envconfig:"MERCADOFREE_KAFKA_BROKERS" default:"localhost:9092"`
	OrdersTopic    string   `envconfig:"MERCADOFREE_KAFKA_ORDERS_TOPIC" default:"mercadofree.orders"`
	AnalyticsGroup string   `envconfig:"MERCADOFREE_KAFKA_ANALYTICS_GROUP" default:"mercadofree-analytics"`
	Workers        int      `envconfig:"MERCADOFREE_KAFKA_WORKERS" default:"2"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MERCADOFREE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MERCADOFREE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MERCADOFREE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic string `envconfig:"MERCADOFREE_PUBSUB_ORDERS_TOPIC" default:"mercadofree-orders"`
}

type BigQueryConfig struct {
	Dataset          string `envconfig:"MERCADOFREE_BIGQUERY_DATASET" default:"mercadofree"`
	OrderEventsTable string `envconfig:"MERCADOFREE_BIGQUERY_ORDER_EVENTS_TABLE" default:"order_events"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = DefaultSQLiteDSN
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
