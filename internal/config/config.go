// Package config loads crashetl settings from environment variables with
// defaults, and validates them on startup so misconfiguration fails fast.
package config

import (
	"strconv"
	"time"
)

// Sink kinds.
const (
	SinkDatastore = "datastore"
	SinkPostgres  = "postgres"
	SinkSQLite    = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Load     LoadConfig
	Sink     SinkConfig
	Database DatabaseConfig
	SQLite   SQLiteConfig
	Slack    SlackConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is 0 so GET /api/loads/{id}/result can wait on long loads.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds ordinary API requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// LoadConfig holds settings for running loads.
type LoadConfig struct {
	// MaxFileSize caps uploaded extracts in bytes (default: 512MB)
	MaxFileSize int64 `env:"LOAD_MAX_FILE_SIZE" default:"536870912"`

	// MaxConcurrent is the number of loads allowed to run at once (default: 2)
	MaxConcurrent int `env:"LOAD_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long a new load waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"LOAD_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds a single load (default: 30m)
	Timeout time.Duration `env:"LOAD_TIMEOUT" default:"30m"`

	// Retain is how long finished loads stay queryable (default: 15m)
	Retain time.Duration `env:"LOAD_RETAIN" default:"15m"`

	// UploadDir holds uploaded files while they load (default: system temp dir)
	UploadDir string `env:"LOAD_UPLOAD_DIR"`

	// UploadLog receives one line per finished year destination.
	UploadLog string `env:"LOAD_UPLOAD_LOG" default:"uploaded.log"`
}

// SinkConfig selects and tunes the destination.
type SinkConfig struct {
	// Kind is datastore, postgres or sqlite (default: datastore)
	Kind string `env:"SINK_KIND" default:"datastore"`

	// SettingsFile holds datastore credentials per server profile.
	SettingsFile string `env:"SETTINGS_FILE" default:"settings.json"`

	// Server picks the settings profile (default: test)
	Server string `env:"SINK_SERVER" default:"test"`

	ChunkSize int `env:"SINK_CHUNK_SIZE" default:"2000"`

	// CumulativeResourceID is the datastore resource holding every year.
	CumulativeResourceID string `env:"SINK_CUMULATIVE_RESOURCE_ID" default:"2c13021f-74a9-4289-a1e5-fe0472c89881"`

	// CumulativeTable is the SQL table holding every year.
	CumulativeTable string `env:"SINK_CUMULATIVE_TABLE" default:"crash_data_cumulative"`

	HTTPTimeout time.Duration `env:"SINK_HTTP_TIMEOUT" default:"2m"`
}

// CumulativeID returns the cumulative destination for the configured kind.
func (c *SinkConfig) CumulativeID() string {
	if c.Kind == SinkDatastore {
		return c.CumulativeResourceID
	}
	return c.CumulativeTable
}

// DatabaseConfig holds PostgreSQL pool settings, used when SINK_KIND=postgres.
type DatabaseConfig struct {
	// URL supports both DATABASE_URL and DB_URL env vars.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// SQLiteConfig is used when SINK_KIND=sqlite.
type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" default:"data/crashetl.db"`
}

// SlackConfig enables load notifications when both values are set.
type SlackConfig struct {
	BotToken  string `env:"SLACK_BOT_TOKEN"`
	ChannelID string `env:"SLACK_CHANNEL_ID"`
}

// Enabled reports whether notifications should be sent.
func (c *SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// RateLimitConfig holds per-IP rate limits.
type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute applies to all API routes (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// LoadLimit applies to starting loads (default: 10)
	LoadLimit int `env:"RATE_LIMIT_LOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	// RequireAPIKey turns on X-API-Key checks for /api routes.
	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys       []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
