package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env
// vars use the GRAMSHOP_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "GRAMSHOP_SERVER_ADDRESS")

	// Logging config
	setIfEnv(&c.Logging.Level, "GRAMSHOP_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "GRAMSHOP_LOG_FORMAT")

	// Bot config
	setIfEnv(&c.Bot.Token, "GRAMSHOP_BOT_TOKEN")
	setIfEnv(&c.Bot.APIBaseURL, "GRAMSHOP_BOT_API_BASE_URL")
	setIfEnv(&c.Bot.WebhookBaseURL, "GRAMSHOP_BOT_WEBHOOK_BASE_URL")
	setIfEnv(&c.Bot.DefaultLanguage, "GRAMSHOP_BOT_DEFAULT_LANGUAGE")
	setInt64IfEnv(&c.Bot.PrimaryOperator, "GRAMSHOP_BOT_PRIMARY_OPERATOR")
	if v := os.Getenv("GRAMSHOP_BOT_ADMIN_IDS"); v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			c.Bot.AdminIDs = ids
		}
	}

	// Payments config
	setIfEnv(&c.Payments.APIBaseURL, "GRAMSHOP_PAYMENTS_API_BASE_URL")
	setIfEnv(&c.Payments.APIKey, "GRAMSHOP_PAYMENTS_API_KEY")
	setIfEnv(&c.Payments.IPNSecret, "GRAMSHOP_PAYMENTS_IPN_SECRET")
	setBoolIfEnv(&c.Payments.VerifySignature, "GRAMSHOP_PAYMENTS_VERIFY_SIGNATURE")

	// Storage config
	setIfEnv(&c.Storage.Backend, "GRAMSHOP_STORAGE_BACKEND")
	setIfEnv(&c.Storage.FilePath, "GRAMSHOP_STORAGE_FILE_PATH")
	setIfEnv(&c.Storage.PostgresURL, "GRAMSHOP_STORAGE_POSTGRES_URL")

	// Shop config
	setDurationIfEnv(&c.Shop.BasketTimeout, "GRAMSHOP_SHOP_BASKET_TIMEOUT")
	setIfEnv(&c.Shop.MediaDir, "GRAMSHOP_SHOP_MEDIA_DIR")
}

// setIfEnv sets target when the environment variable is present and
// non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: parsed}
		}
	}
}
