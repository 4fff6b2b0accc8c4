package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	RBAC          RBACConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the shared Redis connection used by the cache and limiter
type RedisConfig struct {
	URL        string
	MaxRetries int
	PoolSize   int
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// RBACConfig holds authorization settings
type RBACConfig struct {
	CacheTTL      time.Duration
	CachePrefix   string
	PolicyFile    string
	WatchPolicy   bool
	SweepSchedule string
}

// RateLimitConfig holds admission control budgets
type RateLimitConfig struct {
	Enabled     bool
	Prefix      string
	Window      time.Duration
	MaxRequests int
	AuthWindow  time.Duration
	AuthMax     int

	// TrustedProxies lists peers, as IPs or CIDRs, whose forwarding headers are honoured
	TrustedProxies []string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		RBAC:          loadRBACConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            getEnv("SHAREHUB_ADDR", ":8080"),
		ReadTimeout:     getEnvDuration("SHAREHUB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SHAREHUB_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SHAREHUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHAREHUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("SHAREHUB_MAX_BODY_BYTES", 1<<20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("SHAREHUB_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("SHAREHUB_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("SHAREHUB_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("SHAREHUB_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("SHAREHUB_REDIS_URL", ""),
		MaxRetries: getEnvInt("SHAREHUB_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("SHAREHUB_REDIS_POOL_SIZE", 10),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnv("SHAREHUB_JWT_SECRET", ""),
		Issuer:    getEnv("SHAREHUB_JWT_ISSUER", "sharehub"),
		TokenTTL:  getEnvDuration("SHAREHUB_JWT_TTL", 24*time.Hour),
	}
}

func loadRBACConfig() RBACConfig {
	return RBACConfig{
		CacheTTL:      getEnvDuration("SHAREHUB_CACHE_TTL", 5*time.Minute),
		CachePrefix:   getEnv("SHAREHUB_CACHE_PREFIX", "authz:identity"),
		PolicyFile:    getEnv("SHAREHUB_POLICY_FILE", ""),
		WatchPolicy:   getEnvBool("SHAREHUB_POLICY_WATCH", false),
		SweepSchedule: getEnv("SHAREHUB_ROLE_SWEEP_SCHEDULE", "*/5 * * * *"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:     getEnvBool("SHAREHUB_RATE_LIMIT_ENABLED", true),
		Prefix:      getEnv("SHAREHUB_RATE_LIMIT_PREFIX", "ratelimit"),
		Window:      getEnvDuration("SHAREHUB_RATE_LIMIT_WINDOW", 15*time.Minute),
		MaxRequests: getEnvInt("SHAREHUB_RATE_LIMIT_MAX", 100),
		AuthWindow:  getEnvDuration("SHAREHUB_RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
		AuthMax:     getEnvInt("SHAREHUB_RATE_LIMIT_AUTH_MAX", 5),

		TrustedProxies: getEnvList("SHAREHUB_RATE_LIMIT_TRUSTED_PROXIES"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("SHAREHUB_LOG_LEVEL", "info"),
		LogFormat:          getEnv("SHAREHUB_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("SHAREHUB_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SHAREHUB_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SHAREHUB_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SHAREHUB_OTEL_SERVICE_NAME", "sharehub"),
		OTelServiceVersion: getEnv("SHAREHUB_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("SHAREHUB_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("SHAREHUB_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen address %q: %w", c.Server.Addr, err))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database URL is required"))
	}
	if c.Database.MaxOpenConns > 0 && c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, errors.New("database max idle connections exceeds max open connections"))
	}

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT secret must be at least 32 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT ttl must be positive"))
	}

	if c.RBAC.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.RBAC.WatchPolicy && c.RBAC.PolicyFile == "" {
		errs = append(errs, errors.New("policy watch requires a policy file"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 || c.RateLimit.AuthWindow <= 0 {
			errs = append(errs, errors.New("rate limit windows must be positive"))
		}
		if c.RateLimit.MaxRequests <= 0 || c.RateLimit.AuthMax <= 0 {
			errs = append(errs, errors.New("rate limit budgets must be positive"))
		}
		for _, proxy := range c.RateLimit.TrustedProxies {
			if !validProxy(proxy) {
				errs = append(errs, fmt.Errorf("invalid trusted proxy %q", proxy))
			}
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Observability.LogLevel))
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (must be json or text)", c.Observability.LogFormat))
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelSampleRatio <= 0 || c.Observability.OTelSampleRatio > 1 {
			errs = append(errs, errors.New("OpenTelemetry sample ratio must be in (0, 1]"))
		}
	}

	return errors.Join(errs...)
}

func validProxy(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

// getEnvList returns a comma-separated environment variable with blanks dropped
func getEnvList(key string) []string {
	var values []string
	for _, value := range strings.Split(os.Getenv(key), ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
