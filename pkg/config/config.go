// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spaceport-hq/spaceport/pkg/observability"
	"github.com/spaceport-hq/spaceport/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Storage storage.Config
	Auth    AuthConfig
	Redis   RedisConfig
	Tracing observability.TracingConfig

	LogLevel observability.LogLevel
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Metrics server runs on its own port so it can stay cluster-internal.
	MetricsPort string
}

// AuthConfig holds session, token and signup settings.
type AuthConfig struct {
	// TokenSecret signs password reset tokens.
	TokenSecret string

	SessionCookieName string
	SessionTTL        time.Duration
	SessionSweepSpec  string

	InvitationTTL    time.Duration
	PasswordResetTTL time.Duration

	// BaseURL is the externally visible origin used in emailed links.
	BaseURL string

	// InvitationRequired disables open signup globally.
	InvitationRequired bool
}

// RedisConfig holds the optional Redis connection for login rate limiting.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:   loadServerConfig(),
		Storage:  loadStorageConfig(),
		Auth:     loadAuthConfig(),
		Redis:    loadRedisConfig(),
		Tracing:  loadTracingConfig(),
		LogLevel: observability.ParseLogLevel(getEnv("SPACEPORT_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SPACEPORT_HOST", "0.0.0.0"),
		Port:            getEnv("SPACEPORT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SPACEPORT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SPACEPORT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SPACEPORT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SPACEPORT_SHUTDOWN_TIMEOUT", 30*time.Second),
		MetricsPort:     getEnv("SPACEPORT_METRICS_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.URL = getEnv("SPACEPORT_POSTGRES_URL", "")
	if maxConns := getEnvInt("SPACEPORT_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if maxIdle := getEnvInt("SPACEPORT_POSTGRES_MAX_IDLE_CONNS", 0); maxIdle > 0 {
		cfg.MaxIdleConns = maxIdle
	}
	if lifetime := getEnvDuration("SPACEPORT_POSTGRES_CONN_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.ConnMaxLifetime = lifetime
	}
	return cfg
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		TokenSecret:        getEnv("SPACEPORT_TOKEN_SECRET", ""),
		SessionCookieName:  getEnv("SPACEPORT_SESSION_COOKIE", "spaceport_session"),
		SessionTTL:         getEnvDuration("SPACEPORT_SESSION_TTL", 7*24*time.Hour),
		SessionSweepSpec:   getEnv("SPACEPORT_SESSION_SWEEP_SPEC", "@hourly"),
		InvitationTTL:      getEnvDuration("SPACEPORT_INVITATION_TTL", 7*24*time.Hour),
		PasswordResetTTL:   getEnvDuration("SPACEPORT_PASSWORD_RESET_TTL", 30*time.Minute),
		BaseURL:            getEnv("SPACEPORT_BASE_URL", "http://localhost:8080"),
		InvitationRequired: getEnvBool("SPACEPORT_INVITATION_REQUIRED", false),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("SPACEPORT_REDIS_ADDR", ""),
		Password: getEnv("SPACEPORT_REDIS_PASSWORD", ""),
		DB:       getEnvInt("SPACEPORT_REDIS_DB", 0),
	}
}

func loadTracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        getEnvBool("SPACEPORT_OTEL_ENABLED", false),
		Endpoint:       getEnv("SPACEPORT_OTEL_ENDPOINT", "localhost:4317"),
		ServiceName:    getEnv("SPACEPORT_OTEL_SERVICE_NAME", "spaceport"),
		ServiceVersion: getEnv("SPACEPORT_OTEL_SERVICE_VERSION", "1.0.0"),
		Insecure:       getEnvBool("SPACEPORT_OTEL_INSECURE", true),
	}
}

// Validate checks the loaded configuration for missing required values.
func (c *Config) Validate() error {
	if c.Storage.URL == "" {
		return fmt.Errorf("SPACEPORT_POSTGRES_URL is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("SPACEPORT_TOKEN_SECRET is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("SPACEPORT_SESSION_TTL must be positive")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("SPACEPORT_OTEL_ENDPOINT is required when tracing is enabled")
	}
	return nil
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
