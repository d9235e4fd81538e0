package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Bot: BotConfig{
			DefaultLanguage: "en",
		},
		Payments: PaymentsConfig{
			APIBaseURL:      "https://api.nowpayments.io",
			EstimateTimeout: Duration{Duration: 15 * time.Second},
			CreateTimeout:   Duration{Duration: 20 * time.Second},
			StatusTimeout:   Duration{Duration: 15 * time.Second},
		},
		Storage: StorageConfig{
			FilePath:      "./data/gramshop.db",
			FlushInterval: Duration{Duration: 5 * time.Second},
		},
		Shop: ShopConfig{
			BasketTimeout:        Duration{Duration: 15 * time.Minute},
			BasketSweepInterval:  Duration{Duration: 60 * time.Second},
			PendingSweepInterval: Duration{Duration: 10 * time.Minute},
			PendingMaxAge:        Duration{Duration: 2 * time.Hour},
			AbandonedInterval:    Duration{Duration: 3 * time.Minute},
			MediaDir:             "./data/media",
			MediaGroupWindow:     Duration{Duration: 3500 * time.Millisecond},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 120,
			Window:            Duration{Duration: time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Provider: BreakerConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
