package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ServiceName    = "pos-ledger"
	ServiceVersion = "0.1.0"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	StoreDriver string
	MySQLDSN    string
	PostgresURL string

	// RedisAddr enables the distributed locker and idempotency store. When
	// empty both run in-process, which is only safe for a single instance.
	RedisAddr string
	LockTTL   time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	EventQueue   int
	EventWorkers int

	OtelEndpoint string
	OtelInsecure bool
	LogLevel     string

	TaxRate        decimal.Decimal
	RequestTimeout time.Duration
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:     getEnvOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr:     getEnvOrDefault("GRPC_ADDR", ":50051"),
		StoreDriver:  strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverMemory)),
		MySQLDSN:     os.Getenv("MYSQL_DSN"),
		PostgresURL:  os.Getenv("PG_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnvOrDefault("KAFKA_TOPIC", "pos.transactions"),
		OtelEndpoint: os.Getenv("OTEL_ENDPOINT"),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.EventQueue, err = intEnv("EVENT_QUEUE_SIZE", 10000); err != nil {
		return nil, err
	}
	if cfg.EventWorkers, err = intEnv("EVENT_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.OtelInsecure, err = boolEnv("OTEL_INSECURE", true); err != nil {
		return nil, err
	}

	cfg.TaxRate = decimal.Zero
	if raw := os.Getenv("TAX_RATE"); raw != "" {
		if cfg.TaxRate, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("TAX_RATE: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required when STORE_DRIVER=%s", DriverMySQL)
		}
	case DriverPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("PG_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be in [0, 1), got %s", c.TaxRate)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.EventQueue <= 0 || c.EventWorkers <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE and EVENT_WORKERS must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC cannot be empty when KAFKA_BROKERS is set")
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
