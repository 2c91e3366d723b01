package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Lock         LockConfig
	Payments     PaymentsConfig
	Reaper       ReaperConfig
	FeatureFlags FeatureFlagsConfig
	Outbox       OutboxConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Tracing      TracingConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyFeatureFlags(); err != nil {
		return nil, err
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Lock.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KEYMART_APP_ENV" required:"true"`
	Port         string `envconfig:"KEYMART_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"KEYMART_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KEYMART_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"KEYMART_LOG_FORMAT" default:"json"`

	CORSOrigins []string `envconfig:"KEYMART_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

// ConsoleLogs reports whether logs should be rendered for humans.
func (a AppConfig) ConsoleLogs() bool {
	return strings.EqualFold(a.LogFormat, "console")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KEYMART_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KEYMART_DB_DSN"`
	Driver string `envconfig:"KEYMART_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KEYMART_DB_HOST"`
	LegacyPort     int    `envconfig:"KEYMART_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KEYMART_DB_USER"`
	LegacyPassword string `envconfig:"KEYMART_DB_PASSWORD"`
	LegacyName     string `envconfig:"KEYMART_DB_NAME"`
	LegacySSLMode  string `envconfig:"KEYMART_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KEYMART_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KEYMART_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KEYMART_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KEYMART_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KEYMART_REDIS_URL"`
	Address      string        `envconfig:"KEYMART_REDIS_ADDR" default:"localhost:6379"`
	Password     string        `envconfig:"KEYMART_REDIS_PASSWORD"`
	DB           int           `envconfig:"KEYMART_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KEYMART_REDIS_POOL_SIZE" default:"20"`
	MinIdleConns int           `envconfig:"KEYMART_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KEYMART_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KEYMART_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"KEYMART_REDIS_WRITE_TIMEOUT" default:"3s"`
}

// LockConfig selects the coordination service backing named locks.
type LockConfig struct {
	Backend          string        `envconfig:"KEYMART_LOCK_BACKEND" default:"redis"`
	RetryInterval    time.Duration `envconfig:"KEYMART_LOCK_RETRY_INTERVAL" default:"50ms"`
	RedisPrefix      string        `envconfig:"KEYMART_LOCK_REDIS_PREFIX" default:"km:lock:"`
	ZooKeeperServers []string      `envconfig:"KEYMART_ZOOKEEPER_SERVERS"`
	ZooKeeperSession time.Duration `envconfig:"KEYMART_ZOOKEEPER_SESSION_TIMEOUT" default:"10s"`
	ZooKeeperRoot    string        `envconfig:"KEYMART_ZOOKEEPER_ROOT" default:"/keymart/locks"`
}

func (l LockConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(l.Backend)) {
	case LockBackendRedis:
		return nil
	case LockBackendZooKeeper:
		if len(l.ZooKeeperServers) == 0 {
			return fmt.Errorf("%s is required when %s=%s", EnvZooKeeperServers, EnvLockBackend, LockBackendZooKeeper)
		}
		return nil
	default:
		return fmt.Errorf("unsupported lock backend %q", l.Backend)
	}
}

// PaymentsConfig drives the payment queue, reservation and hold timings.
type PaymentsConfig struct {
	PollInterval        time.Duration `envconfig:"KEYMART_PAYMENTS_POLL_INTERVAL" default:"1s"`
	BatchSize           int           `envconfig:"KEYMART_PAYMENTS_BATCH_SIZE" default:"20"`
	Workers             int           `envconfig:"KEYMART_PAYMENTS_WORKERS" default:"50"`
	TriggerBuffer       int           `envconfig:"KEYMART_PAYMENTS_TRIGGER_BUFFER" default:"1024"`
	QueueTriggerSize    int           `envconfig:"KEYMART_PAYMENTS_QUEUE_TRIGGER_SIZE" default:"100"`
	QueueTriggerTake    int           `envconfig:"KEYMART_PAYMENTS_QUEUE_TRIGGER_TAKE" default:"50"`
	ReservationLease    time.Duration `envconfig:"KEYMART_PAYMENTS_RESERVATION_LEASE" default:"5m"`
	HoldExpiry          time.Duration `envconfig:"KEYMART_PAYMENTS_HOLD_EXPIRY" default:"1m"`
	StuckAfter          time.Duration `envconfig:"KEYMART_PAYMENTS_STUCK_AFTER" default:"10m"`
	DefaultCommission   string        `envconfig:"KEYMART_PAYMENTS_DEFAULT_COMMISSION" default:"5"`
	PlatformUserID      string        `envconfig:"KEYMART_PLATFORM_USER_ID" default:"00000000-0000-0000-0000-000000000001"`
	EnqueueLockWait     time.Duration `envconfig:"KEYMART_LOCK_WAIT_ENQUEUE" default:"5s"`
	StockCheckLockWait  time.Duration `envconfig:"KEYMART_LOCK_WAIT_STOCK_CHECK" default:"3s"`
	ReserveLockWait     time.Duration `envconfig:"KEYMART_LOCK_WAIT_RESERVE" default:"5s"`
	WalletLockWait      time.Duration `envconfig:"KEYMART_LOCK_WAIT_WALLET" default:"10s"`
	EntryLockWait       time.Duration `envconfig:"KEYMART_LOCK_WAIT_ENTRY" default:"3s"`
	PollLockWait        time.Duration `envconfig:"KEYMART_LOCK_WAIT_POLL" default:"5s"`
	LockLease           time.Duration `envconfig:"KEYMART_LOCK_LEASE" default:"30s"`
	EntryProcessTimeout time.Duration `envconfig:"KEYMART_PAYMENTS_ENTRY_TIMEOUT" default:"60s"`
	EmbedScheduler      bool          `envconfig:"KEYMART_PAYMENTS_EMBED_SCHEDULER" default:"true"`
}

// PlatformUser parses the platform wallet owner id.
func (p PaymentsConfig) PlatformUser() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(p.PlatformUserID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", EnvPlatformUserID, err)
	}
	return id, nil
}

// CommissionRate parses the default commission percentage.
func (p PaymentsConfig) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(p.DefaultCommission))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid default commission %q: %w", p.DefaultCommission, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("default commission %s out of range", rate)
	}
	return rate, nil
}

func (p PaymentsConfig) validate() error {
	if p.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentsPollInterval)
	}
	if p.BatchSize <= 0 || p.Workers <= 0 {
		return fmt.Errorf("payments batch size and workers must be positive")
	}
	if _, err := p.PlatformUser(); err != nil {
		return err
	}
	if _, err := p.CommissionRate(); err != nil {
		return err
	}
	return nil
}

type ReaperConfig struct {
	HoldInterval        time.Duration `envconfig:"KEYMART_REAPER_HOLD_INTERVAL" default:"5s"`
	HoldBatchSize       int           `envconfig:"KEYMART_REAPER_HOLD_BATCH_SIZE" default:"10"`
	ReservationInterval time.Duration `envconfig:"KEYMART_REAPER_RESERVATION_INTERVAL" default:"60s"`
	MonitorInterval     time.Duration `envconfig:"KEYMART_REAPER_MONITOR_INTERVAL" default:"30s"`
	StuckInterval       time.Duration `envconfig:"KEYMART_REAPER_STUCK_INTERVAL" default:"60s"`
	PendingHoldsWarn    int64         `envconfig:"KEYMART_MONITOR_PENDING_HOLDS_WARN" default:"1000"`
	ExpiredHoldsWarn    int64         `envconfig:"KEYMART_MONITOR_EXPIRED_HOLDS_WARN" default:"100"`

	OutboxRetentionDays     int           `envconfig:"KEYMART_OUTBOX_RETENTION_DAYS" default:"30"`
	OutboxRetentionInterval time.Duration `envconfig:"KEYMART_OUTBOX_RETENTION_INTERVAL" default:"24h"`
	OutboxRetentionBatch    int           `envconfig:"KEYMART_OUTBOX_RETENTION_BATCH" default:"500"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"KEYMART_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"KEYMART_AUTO_MIGRATE" default:"false"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"KEYMART_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"KEYMART_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"KEYMART_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Sink           string `envconfig:"KEYMART_OUTBOX_SINK" default:"pubsub"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"KEYMART_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	PaymentsTopic string `envconfig:"KEYMART_PUBSUB_PAYMENTS_TOPIC" default:"keymart-payment-events"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"KEYMART_KAFKA_BROKERS"`
	Topic        string        `envconfig:"KEYMART_KAFKA_TOPIC" default:"keymart.payment-events"`
	WriteTimeout time.Duration `envconfig:"KEYMART_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type TracingConfig struct {
	Enabled     bool    `envconfig:"KEYMART_TRACING_ENABLED" default:"false"`
	Endpoint    string  `envconfig:"KEYMART_TRACING_OTLP_ENDPOINT" default:"localhost:4318"`
	SampleRatio float64 `envconfig:"KEYMART_TRACING_SAMPLE_RATIO" default:"1"`
}

// applyFeatureFlags switches to a local sqlite file when KEYMART_USE_SQLITE is
// set. Production refuses the flag.
func (c *Config) applyFeatureFlags() error {
	if !c.FeatureFlags.UseSQLite {
		return nil
	}
	if c.App.IsProd() {
		return fmt.Errorf("%s is not allowed when %s=%s", EnvUseSQLite, EnvAppEnv, AppEnvProd)
	}
	if !strings.EqualFold(c.DB.Driver, DBDriverSQLite) {
		c.DB.Driver = DBDriverSQLite
		c.DB.DSN = ""
	}
	return nil
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if strings.EqualFold(db.Driver, DBDriverSQLite) {
		db.DSN = "file:keymart.db?cache=shared"
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

	if strings.EqualFold(db.Driver, DBDriverMySQL) {
		creds := db.LegacyUser
		if db.LegacyPassword != "" {
			creds += ":" + db.LegacyPassword
		}
		db.DSN = fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", creds, db.LegacyHost, db.LegacyPort, db.LegacyName)
		return nil
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
