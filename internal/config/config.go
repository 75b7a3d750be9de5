package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the attribution engine.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Migrations  MigrationsConfig
	Ingest      IngestConfig
	Attribution AttributionConfig
	Aggregation AggregationConfig
	Geo         GeoConfig
}

// MigrationsConfig controls schema migrations at startup.
type MigrationsConfig struct {
	Enabled bool
	Path    string
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled     bool
	IngestRPS   float64
	IngestBurst int
	MgmtRPS     float64
	MgmtBurst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// IngestConfig holds gateway acceptance policy.
type IngestConfig struct {
	// MaxClockSkew is how far into the future occurred_at may lie.
	MaxClockSkew time.Duration
	// DefaultRetentionDays applies to tenants without an explicit window.
	DefaultRetentionDays int
}

// AttributionConfig holds resolver tunables. Lookback and confidence
// threshold are product-tunable and intentionally not hardcoded.
type AttributionConfig struct {
	Workers             int
	QueueSize           int
	PixelLookback       time.Duration
	ConfidenceThreshold float64
	MaxRetries          int
	RetryBaseDelay      time.Duration
	SweepInterval       time.Duration
}

// AggregationConfig holds rollup scheduler tunables.
type AggregationConfig struct {
	// RefreshInterval is how often dirty and open buckets are recomputed.
	RefreshInterval time.Duration
	// GracePeriod keeps a day bucket open past midnight for late events.
	GracePeriod time.Duration
}

// GeoConfig configures optional listener-geo enrichment.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ATTR_HTTP_ADDR", ":8080"),
			Env:             getEnv("ATTR_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ATTR_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ATTR_DB_HOST", "localhost"),
			Port:     getIntEnv("ATTR_DB_PORT", 5432),
			User:     getEnv("ATTR_DB_USER", "attribution"),
			Password: getEnv("ATTR_DB_PASSWORD", "attribution_secret"),
			DBName:   getEnv("ATTR_DB_NAME", "attribution"),
			SSLMode:  getEnv("ATTR_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ATTR_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ATTR_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ATTR_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ATTR_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ATTR_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ATTR_AUTH_ENABLED", true),
			MasterKey: getEnv("ATTR_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("ATTR_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/track/pixel"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getBoolEnv("ATTR_RATE_LIMIT_ENABLED", true),
			IngestRPS:   getFloatEnv("ATTR_RATE_LIMIT_INGEST_RPS", 5000),
			IngestBurst: getIntEnv("ATTR_RATE_LIMIT_INGEST_BURST", 500),
			MgmtRPS:     getFloatEnv("ATTR_RATE_LIMIT_MGMT_RPS", 100),
			MgmtBurst:   getIntEnv("ATTR_RATE_LIMIT_MGMT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("ATTR_LOG_LEVEL", "info"),
			Format: getEnv("ATTR_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ATTR_METRICS_ENABLED", true),
			Path:    getEnv("ATTR_METRICS_PATH", "/metrics"),
		},
		Migrations: MigrationsConfig{
			Enabled: getBoolEnv("ATTR_MIGRATIONS_ENABLED", true),
			Path:    getEnv("ATTR_MIGRATIONS_PATH", "migrations"),
		},
		Ingest: IngestConfig{
			MaxClockSkew:         getDurationEnv("ATTR_INGEST_MAX_CLOCK_SKEW", 5*time.Minute),
			DefaultRetentionDays: getIntEnv("ATTR_INGEST_RETENTION_DAYS", 90),
		},
		Attribution: AttributionConfig{
			Workers:             getIntEnv("ATTR_RESOLVER_WORKERS", 4),
			QueueSize:           getIntEnv("ATTR_RESOLVER_QUEUE_SIZE", 1024),
			PixelLookback:       getDurationEnv("ATTR_RESOLVER_PIXEL_LOOKBACK", 30*24*time.Hour),
			ConfidenceThreshold: getFloatEnv("ATTR_RESOLVER_CONFIDENCE_THRESHOLD", 0.8),
			MaxRetries:          getIntEnv("ATTR_RESOLVER_MAX_RETRIES", 5),
			RetryBaseDelay:      getDurationEnv("ATTR_RESOLVER_RETRY_BASE_DELAY", 200*time.Millisecond),
			SweepInterval:       getDurationEnv("ATTR_RESOLVER_SWEEP_INTERVAL", time.Minute),
		},
		Aggregation: AggregationConfig{
			RefreshInterval: getDurationEnv("ATTR_AGG_REFRESH_INTERVAL", 60*time.Second),
			GracePeriod:     getDurationEnv("ATTR_AGG_GRACE_PERIOD", 2*time.Hour),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ATTR_GEO_ENABLED", false),
			DatabasePath: getEnv("ATTR_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("ATTR_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Attribution.ConfidenceThreshold <= 0 || c.Attribution.ConfidenceThreshold > 1 {
		return fmt.Errorf("ATTR_RESOLVER_CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if c.Ingest.DefaultRetentionDays <= 0 {
		return fmt.Errorf("ATTR_INGEST_RETENTION_DAYS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
