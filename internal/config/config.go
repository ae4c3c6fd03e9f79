// Package config loads and validates configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Sink kinds accepted by Collector.Sink.
const (
	SinkMemory   = "memory"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// SDK configures an embedded SDK instance, typically from a host process or
// the replay tool.
type SDK struct {
	ClientKey    string `env:"KANSOKU_CLIENT_KEY"`
	CollectorURL string `env:"KANSOKU_COLLECTOR_URL" envDefault:"http://localhost:8080/collect"`
	ConfigURL    string `env:"KANSOKU_CONFIG_URL"    envDefault:"http://localhost:8080/config"`

	Cadence       time.Duration `env:"KANSOKU_CADENCE"        envDefault:"5s"`
	PauseDelay    time.Duration `env:"KANSOKU_PAUSE_DELAY"    envDefault:"10s"`
	ResumeDelay   time.Duration `env:"KANSOKU_RESUME_DELAY"   envDefault:"2s"`
	RetryBackoff  time.Duration `env:"KANSOKU_RETRY_BACKOFF"  envDefault:"250ms"`
	Compress      bool          `env:"KANSOKU_COMPRESS"       envDefault:"true"`
	StoreCapacity int           `env:"KANSOKU_STORE_CAPACITY" envDefault:"10000"`
	DataDir       string        `env:"KANSOKU_DATA_DIR"` // empty disables durable state

	LogLevel     string `env:"KANSOKU_LOG_LEVEL"           envDefault:"info"`
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `env:"OTEL_SERVICE_NAME"           envDefault:"kansoku"`
}

// Collector configures the reference collection server.
type Collector struct {
	Port         int           `env:"KANSOKU_COLLECTOR_PORT"          envDefault:"8080"`
	ReadTimeout  time.Duration `env:"KANSOKU_COLLECTOR_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout time.Duration `env:"KANSOKU_COLLECTOR_WRITE_TIMEOUT" envDefault:"30s"`

	Sink        string `env:"KANSOKU_COLLECTOR_SINK"        envDefault:"memory"`
	SQLitePath  string `env:"KANSOKU_COLLECTOR_SQLITE_PATH" envDefault:"kansoku-collector.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// ConfigFile is a JSON object mapping client keys to remote configs.
	ConfigFile string `env:"KANSOKU_COLLECTOR_CONFIG_FILE"`

	MaxRequestBodyBytes int64 `env:"KANSOKU_MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`

	// Per-client-key token bucket on the collect endpoint. A zero rate
	// disables limiting.
	RateLimitRPS   float64 `env:"KANSOKU_RATE_LIMIT_RPS"   envDefault:"50"`
	RateLimitBurst int     `env:"KANSOKU_RATE_LIMIT_BURST" envDefault:"100"`

	LogLevel     string `env:"KANSOKU_LOG_LEVEL"           envDefault:"info"`
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `env:"OTEL_SERVICE_NAME"           envDefault:"kansoku-collector"`
}

// LoadSDK reads SDK configuration from the environment.
func LoadSDK() (SDK, error) {
	var cfg SDK
	if err := env.Parse(&cfg); err != nil {
		return SDK{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return SDK{}, err
	}
	return cfg, nil
}

// LoadCollector reads collector configuration from the environment.
func LoadCollector() (Collector, error) {
	var cfg Collector
	if err := env.Parse(&cfg); err != nil {
		return Collector{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Collector{}, err
	}
	return cfg, nil
}

// Validate checks SDK settings. An empty client key is allowed here because
// the replay tool may take it from a flag.
func (c SDK) Validate() error {
	if c.ClientKey != "" {
		if err := model.ValidateClientKey(c.ClientKey); err != nil {
			return fmt.Errorf("config: KANSOKU_CLIENT_KEY: %w", err)
		}
	}
	if err := validateURL("KANSOKU_COLLECTOR_URL", c.CollectorURL); err != nil {
		return err
	}
	if err := validateURL("KANSOKU_CONFIG_URL", c.ConfigURL); err != nil {
		return err
	}
	if c.Cadence <= 0 {
		return fmt.Errorf("config: KANSOKU_CADENCE must be positive")
	}
	if c.PauseDelay <= 0 || c.ResumeDelay <= 0 {
		return fmt.Errorf("config: KANSOKU_PAUSE_DELAY and KANSOKU_RESUME_DELAY must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("config: KANSOKU_RETRY_BACKOFF must not be negative")
	}
	if c.StoreCapacity <= 0 {
		return fmt.Errorf("config: KANSOKU_STORE_CAPACITY must be positive")
	}
	return nil
}

// Validate checks collector settings.
func (c Collector) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSOKU_COLLECTOR_PORT must be between 1 and 65535")
	}
	switch c.Sink {
	case SinkMemory:
	case SinkSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: KANSOKU_COLLECTOR_SQLITE_PATH is required for the sqlite sink")
		}
	case SinkPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres sink")
		}
	default:
		return fmt.Errorf("config: KANSOKU_COLLECTOR_SINK must be one of memory, sqlite, postgres (got %q)", c.Sink)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: KANSOKU_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: KANSOKU_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL (got %q)", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: %s must use http or https (got %q)", name, raw)
	}
	return nil
}
