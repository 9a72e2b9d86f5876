// Package config provides centralized configuration management for the
// service. Settings come from environment variables with defaults applied,
// and are validated on startup so misconfiguration fails fast.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Dataverse DataverseConfig
	Engine    EngineConfig
	History   HistoryConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request bodies (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing responses.
	// Zero keeps progress streams open indefinitely (default: 0s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is how long graceful shutdown may take (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DataverseConfig holds the connection settings for the target environment.
// The lowercase alternates match the naming some deployment tooling emits.
type DataverseConfig struct {
	// ClientID is the application (client) ID (required)
	ClientID string `env:"DATAVERSE_CLIENT_ID" envAlt:"client_id" required:"true"`

	// ClientSecret is the application secret (required)
	ClientSecret string `env:"DATAVERSE_CLIENT_SECRET" envAlt:"client_secret" required:"true"`

	// TenantID is the directory (tenant) ID (required)
	TenantID string `env:"DATAVERSE_TENANT_ID" envAlt:"tenant_id" required:"true"`

	// EnvironmentURL is the environment base URL, e.g.
	// https://org.crm.dynamics.com (required)
	EnvironmentURL string `env:"DATAVERSE_ENVIRONMENT_URL" envAlt:"environment_url" required:"true"`

	// LanguageCode is the LCID used for labels (default: 1033, en-US)
	LanguageCode int `env:"DATAVERSE_LANGUAGE_CODE" default:"1033"`
}

// EngineConfig holds bulk mutation engine settings.
type EngineConfig struct {
	// BatchSize is records per batch; token freshness and cancellation are
	// checked at batch boundaries (default: 50)
	BatchSize int `env:"ENGINE_BATCH_SIZE" default:"50"`

	// MaxRetries is extra attempts after a transient failure (default: 2)
	MaxRetries int `env:"ENGINE_MAX_RETRIES" default:"2"`

	// RetryBackoff is the base wait between attempts (default: 500ms)
	RetryBackoff time.Duration `env:"ENGINE_RETRY_BACKOFF" default:"500ms"`

	// SafeInsert skips inserts whose value already exists (default: true)
	SafeInsert bool `env:"ENGINE_SAFE_INSERT" default:"true"`

	// JobTimeout is the maximum duration for one bulk job (default: 30m)
	JobTimeout time.Duration `env:"ENGINE_JOB_TIMEOUT" default:"30m"`

	// MaxFileSize is the maximum input file size in bytes (default: 10MB)
	MaxFileSize int64 `env:"ENGINE_MAX_FILE_SIZE" default:"10485760"`
}

// HistoryConfig holds job history persistence settings. History is optional;
// without a URL finished jobs are only kept in memory.
type HistoryConfig struct {
	// URL is the PostgreSQL connection string (optional)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of pooled connections (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`
}

// RateLimitConfig holds per-IP request throttling settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// JobLimit is requests per minute for job-start endpoints (default: 10)
	JobLimit int `env:"RATE_LIMIT_JOBS" default:"10"`
}

// SecurityConfig holds API access settings.
type SecurityConfig struct {
	// RequireAPIKey enables API key authentication (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: json)
	Format string `env:"LOG_FORMAT" default:"json"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
