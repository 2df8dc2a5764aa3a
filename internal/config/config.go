package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	SnowflakeNode int64

	LockBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EventsSink       string
	SQSQueueURL      string
	AWSRegion        string
	RedisEventStream string

	PrometheusEnabled bool
	PrometheusPort    int
}

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
	LockBackendNone   = "none"

	EventsSinkLog   = "log"
	EventsSinkSQS   = "sqs"
	EventsSinkRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "billable"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billable"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "billable.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		LockBackend:       normalizeLockBackend(getenv("LOCK_BACKEND", LockBackendMemory)),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		EventsSink:        normalizeEventsSink(getenv("EVENTS_SINK", EventsSinkLog)),
		SQSQueueURL:       strings.TrimSpace(getenv("SQS_QUEUE_URL", "")),
		AWSRegion:         strings.TrimSpace(getenv("AWS_REGION", "")),
		RedisEventStream:  getenv("REDIS_EVENT_STREAM", "billable:events"),
		PrometheusEnabled: getenvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getenvInt("PROMETHEUS_PORT", 9464),
	}

	return cfg
}

func normalizeLockBackend(raw string) string {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case LockBackendRedis, LockBackendNone:
		return value
	default:
		return LockBackendMemory
	}
}

func normalizeEventsSink(raw string) string {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case EventsSinkSQS, EventsSinkRedis:
		return value
	default:
		return EventsSinkLog
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
