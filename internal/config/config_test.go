package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GRAMSHOP_BOT_TOKEN", "123:test-token")
	t.Setenv("GRAMSHOP_PAYMENTS_API_KEY", "test-api-key")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Shop.BasketTimeout.Duration != 15*time.Minute {
		t.Errorf("basket timeout = %v, want 15m", cfg.Shop.BasketTimeout.Duration)
	}
	if cfg.Shop.MediaGroupWindow.Duration != 3500*time.Millisecond {
		t.Errorf("media group window = %v, want 3.5s", cfg.Shop.MediaGroupWindow.Duration)
	}
	if cfg.Payments.APIBaseURL != "https://api.nowpayments.io" {
		t.Errorf("payments base url = %q", cfg.Payments.APIBaseURL)
	}
	if cfg.Payments.CreateTimeout.Duration != 20*time.Second {
		t.Errorf("create timeout = %v, want 20s", cfg.Payments.CreateTimeout.Duration)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	validEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: ":9090"
shop:
  basket_timeout: 20m
  basket_sweep_interval: 30s
storage:
  backend: file
  file_path: /tmp/shop.db
bot:
  admin_ids: [11, 22]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("server address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Shop.BasketTimeout.Duration != 20*time.Minute {
		t.Errorf("basket timeout = %v, want 20m", cfg.Shop.BasketTimeout.Duration)
	}
	if cfg.Shop.BasketSweepInterval.Duration != 30*time.Second {
		t.Errorf("sweep interval = %v, want 30s", cfg.Shop.BasketSweepInterval.Duration)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.FilePath != "/tmp/shop.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Bot.AdminIDs) != 2 || cfg.Bot.AdminIDs[0] != 11 {
		t.Errorf("admin ids = %v", cfg.Bot.AdminIDs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	validEnv(t)
	t.Setenv("GRAMSHOP_SERVER_ADDRESS", ":7070")
	t.Setenv("GRAMSHOP_SHOP_BASKET_TIMEOUT", "5m")
	t.Setenv("GRAMSHOP_BOT_ADMIN_IDS", "5, 6, 7")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Errorf("server address = %q, want env value :7070", cfg.Server.Address)
	}
	if cfg.Shop.BasketTimeout.Duration != 5*time.Minute {
		t.Errorf("basket timeout = %v, want 5m", cfg.Shop.BasketTimeout.Duration)
	}
	if len(cfg.Bot.AdminIDs) != 3 || cfg.Bot.AdminIDs[2] != 7 {
		t.Errorf("admin ids = %v", cfg.Bot.AdminIDs)
	}
}

func TestValidationAggregatesErrors(t *testing.T) {
	t.Setenv("GRAMSHOP_BOT_TOKEN", "")
	t.Setenv("GRAMSHOP_PAYMENTS_API_KEY", "")
	t.Setenv("GRAMSHOP_STORAGE_BACKEND", "bolt")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"bot.token", "payments.api_key", "storage.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidationSignatureRequiresSecret(t *testing.T) {
	validEnv(t)
	t.Setenv("GRAMSHOP_PAYMENTS_VERIFY_SIGNATURE", "true")
	t.Setenv("GRAMSHOP_PAYMENTS_IPN_SECRET", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when verify_signature set without ipn_secret")
	}
}

func TestDurationUnmarshalNumericSeconds(t *testing.T) {
	validEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("shop:\n  basket_timeout: 900\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Shop.BasketTimeout.Duration != 900*time.Second {
		t.Errorf("basket timeout = %v, want 900s", cfg.Shop.BasketTimeout.Duration)
	}
}

func TestWebhookPathAndIsAdmin(t *testing.T) {
	cfg := &Config{Bot: BotConfig{Token: "123:abc", AdminIDs: []int64{9}}}
	if got := cfg.WebhookPath(); got != "/bot/123:abc" {
		t.Errorf("WebhookPath = %q", got)
	}
	if !cfg.IsAdmin(9) || cfg.IsAdmin(10) {
		t.Error("IsAdmin membership wrong")
	}
}
