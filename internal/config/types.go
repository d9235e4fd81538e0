package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or
// numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits
// human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and
// environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Bot            BotConfig            `yaml:"bot"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Storage        StorageConfig        `yaml:"storage"`
	Shop           ShopConfig           `yaml:"shop"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// BotConfig holds messaging platform configuration.
type BotConfig struct {
	Token string `yaml:"token"`
	// APIBaseURL lets tests and self-hosted gateways point the client
	// elsewhere; empty means the public platform endpoint.
	APIBaseURL string `yaml:"api_base_url"`
	// WebhookBaseURL is the public origin updates are delivered to; the
	// secret path component is derived from the token.
	WebhookBaseURL string  `yaml:"webhook_base_url"`
	AdminIDs       []int64 `yaml:"admin_ids"`
	// PrimaryOperator receives CRITICAL out-of-band alerts.
	PrimaryOperator int64  `yaml:"primary_operator"`
	DefaultLanguage string `yaml:"default_language"`
}

// PaymentsConfig holds payment provider configuration.
type PaymentsConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`
	// IPNSecret signs provider callbacks; verification is toggleable and
	// deliberately not hard-coded either way.
	IPNSecret       string   `yaml:"ipn_secret"`
	VerifySignature bool     `yaml:"verify_signature"`
	EstimateTimeout Duration `yaml:"estimate_timeout"` // default 15s
	CreateTimeout   Duration `yaml:"create_timeout"`   // default 20s
	StatusTimeout   Duration `yaml:"status_timeout"`   // default 15s
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend       string   `yaml:"backend"` // memory | file | postgres
	FilePath      string   `yaml:"file_path"`
	PostgresURL   string   `yaml:"postgres_url"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// ShopConfig holds storefront behaviour knobs.
type ShopConfig struct {
	BasketTimeout        Duration `yaml:"basket_timeout"`         // default 15m
	BasketSweepInterval  Duration `yaml:"basket_sweep_interval"`  // default 60s
	PendingSweepInterval Duration `yaml:"pending_sweep_interval"` // default 10m
	PendingMaxAge        Duration `yaml:"pending_max_age"`        // default 2h
	AbandonedInterval    Duration `yaml:"abandoned_interval"`     // default 3m
	MediaDir             string   `yaml:"media_dir"`
	MediaGroupWindow     Duration `yaml:"media_group_window"` // default 3.5s
}

// RateLimitConfig holds httprate limiter settings for public endpoints.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerWindow int      `yaml:"requests_per_window"`
	Window            Duration `yaml:"window"`
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
}

// CircuitBreakerConfig guards outbound provider calls.
type CircuitBreakerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider BreakerConfig `yaml:"provider"`
}
