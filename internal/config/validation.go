package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration. Validation
// errors are aggregated so a broken config reports everything at once.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Shop.BasketTimeout.Duration <= 0 {
		c.Shop.BasketTimeout = Duration{Duration: 15 * time.Minute}
	}
	if c.Shop.MediaGroupWindow.Duration <= 0 {
		c.Shop.MediaGroupWindow = Duration{Duration: 3500 * time.Millisecond}
	}
	if c.Bot.DefaultLanguage == "" {
		c.Bot.DefaultLanguage = "en"
	}

	var problems []string

	if c.Bot.Token == "" {
		problems = append(problems, "bot.token is required")
	}
	if c.Payments.APIKey == "" {
		problems = append(problems, "payments.api_key is required")
	}
	if c.Payments.VerifySignature && c.Payments.IPNSecret == "" {
		problems = append(problems, "payments.ipn_secret is required when verify_signature is enabled")
	}
	if c.Payments.APIBaseURL != "" {
		if _, err := url.Parse(c.Payments.APIBaseURL); err != nil {
			problems = append(problems, fmt.Sprintf("payments.api_base_url is not a valid URL: %v", err))
		}
	}

	switch c.Storage.Backend {
	case "", "memory", "file", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of memory, file, postgres", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		problems = append(problems, "storage.postgres_url is required for the postgres backend")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 {
			problems = append(problems, "rate_limit.requests_per_window must be positive")
		}
		if c.RateLimit.Window.Duration <= 0 {
			problems = append(problems, "rate_limit.window must be positive")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration:\n  - " + strings.Join(problems, "\n  - "))
	}
	return nil
}

// WebhookPath returns the secret platform update path derived from the
// bot token. Buttons and updates already in the wild depend on this shape.
func (c *Config) WebhookPath() string {
	return "/bot/" + c.Bot.Token
}

// IsAdmin reports whether the user id is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Bot.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
