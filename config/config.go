package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the receiver configuration. Everything is read from the
// environment once at startup and treated as immutable afterwards.
type Config struct {
	// Base URL of the control-plane HTTP API. Required.
	ControlPlaneURL string

	// Shared secret used both for outbound control-plane calls and for
	// authenticating trusted admin endpoints. Required.
	SharedSecret string

	// TCP address to listen on, e.g. ":3001".
	ListenAddr string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// ClickHouse HTTP interface for the search endpoint. Search is
	// disabled when the URL is empty.
	ClickHouseURL      string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	FlushWorkers  int
	BatchMaxSize  int
	FlushInterval time.Duration

	EndpointCacheTTL time.Duration
	QuotaCacheTTL    time.Duration

	SentryDSN string
	LogDebug  bool
}

// Load reads the configuration from the environment. A local .env file is
// honored when present so development setups match deployed ones.
func Load() (*Config, error) {
	// Ignore a missing .env; real deployments set the environment directly.
	_ = godotenv.Load()

	c := &Config{
		ControlPlaneURL:    os.Getenv("CONTROL_PLANE_URL"),
		SharedSecret:       os.Getenv("CAPTURE_SHARED_SECRET"),
		ListenAddr:         ":" + envString("PORT", "3001"),
		RedisHost:          envString("REDIS_HOST", "127.0.0.1"),
		RedisPort:          envInt("REDIS_PORT", 6379),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            envInt("REDIS_DB", 0),
		ClickHouseURL:      os.Getenv("CLICKHOUSE_URL"),
		ClickHouseDatabase: envString("CLICKHOUSE_DATABASE", "default"),
		ClickHouseUser:     envString("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		FlushWorkers:       envInt("FLUSH_WORKERS", 4),
		BatchMaxSize:       envInt("BATCH_MAX_SIZE", 50),
		FlushInterval:      time.Duration(envInt("FLUSH_INTERVAL_MS", 100)) * time.Millisecond,
		EndpointCacheTTL:   time.Duration(envInt("ENDPOINT_CACHE_TTL_SECS", 60)) * time.Second,
		QuotaCacheTTL:      time.Duration(envInt("QUOTA_CACHE_TTL_SECS", 30)) * time.Second,
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		LogDebug:           os.Getenv("RECEIVER_DEBUG") != "",
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the invariants the rest of the receiver relies on.
func (c *Config) Validate() error {
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("CONTROL_PLANE_URL is required")
	}
	if _, err := url.Parse(c.ControlPlaneURL); err != nil {
		return fmt.Errorf("CONTROL_PLANE_URL is not a valid URL: %w", err)
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("CAPTURE_SHARED_SECRET is required")
	}
	if c.FlushWorkers < 1 {
		return fmt.Errorf("FLUSH_WORKERS must be at least 1, got %d", c.FlushWorkers)
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be at least 1, got %d", c.BatchMaxSize)
	}
	if c.EndpointCacheTTL <= 0 || c.QuotaCacheTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}

// RedisAddr returns the host:port pair for the shared cache.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
