package config

const (
	EnvPrefix = "KEYMART"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "KEYMART_APP_ENV"
	EnvPort     = "KEYMART_APP_PORT"
	EnvLogLevel = "KEYMART_LOG_LEVEL"

	EnvDBDSN     = "KEYMART_DB_DSN"
	EnvDBDriver  = "KEYMART_DB_DRIVER"
	EnvUseSQLite = "KEYMART_USE_SQLITE"
	EnvDBHost    = "KEYMART_DB_HOST"
	EnvDBUser    = "KEYMART_DB_USER"
	EnvDBName    = "KEYMART_DB_NAME"

	EnvRedisURL = "KEYMART_REDIS_URL"

	EnvLockBackend          = "KEYMART_LOCK_BACKEND"
	EnvZooKeeperServers     = "KEYMART_ZOOKEEPER_SERVERS"
	EnvPlatformUserID       = "KEYMART_PLATFORM_USER_ID"
	EnvPaymentsPollInterval = "KEYMART_PAYMENTS_POLL_INTERVAL"
	EnvOutboxSink           = "KEYMART_OUTBOX_SINK"
	EnvKafkaBrokers         = "KEYMART_KAFKA_BROKERS"
	EnvGCPProjectID         = "KEYMART_GCP_PROJECT_ID"

	DBDriverPostgres = "postgres"
	DBDriverMySQL    = "mysql"
	DBDriverSQLite   = "sqlite"

	LockBackendRedis     = "redis"
	LockBackendZooKeeper = "zookeeper"

	OutboxSinkPubSub = "pubsub"
	OutboxSinkKafka  = "kafka"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
