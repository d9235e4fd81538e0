// Command server runs the storefront: the bot webhook, the payment
// provider callback endpoint, the mini-app browse API, and the
// background sweepers, all over one HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gramshop/server/internal/bot"
	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/catalog"
	"github.com/gramshop/server/internal/checkout"
	"github.com/gramshop/server/internal/config"
	"github.com/gramshop/server/internal/httpserver"
	"github.com/gramshop/server/internal/inventory"
	"github.com/gramshop/server/internal/lifecycle"
	"github.com/gramshop/server/internal/logger"
	"github.com/gramshop/server/internal/mediagroup"
	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/notify"
	"github.com/gramshop/server/internal/payments"
	"github.com/gramshop/server/internal/storage"
	"github.com/gramshop/server/internal/sweeper"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; real deployments use environment or YAML.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("GRAMSHOP_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "gramshop",
		Version: version,
	})

	resources := lifecycle.NewManager(appLogger)
	defer func() {
		if err := resources.Close(); err != nil {
			appLogger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	store, err := storage.NewStore(storage.StoreConfig{
		Backend:       cfg.Storage.Backend,
		FilePath:      cfg.Storage.FilePath,
		PostgresURL:   cfg.Storage.PostgresURL,
		FlushInterval: cfg.Storage.FlushInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	resources.Register("storage", store)

	m := metrics.New(prometheus.DefaultRegisterer)

	ctx := context.Background()
	cat, err := catalog.NewService(ctx, store, appLogger)
	if err != nil {
		return fmt.Errorf("build catalogue: %w", err)
	}
	engine := inventory.NewEngine(store, appLogger, m, cfg.Shop.BasketTimeout.Duration)

	platform := botapi.NewClient(cfg.Bot.Token, cfg.Bot.APIBaseURL, appLogger, m)
	notifier := notify.NewService(platform, cfg.Bot.PrimaryOperator, appLogger)
	finalizer := checkout.NewFinalizer(store, engine, platform, cat, notifier, cfg.Shop.MediaDir, appLogger, m)

	provider := payments.NewClient(cfg.Payments, cfg.CircuitBreaker, appLogger, m)
	var callbackURL string
	if cfg.Bot.WebhookBaseURL != "" {
		callbackURL = cfg.Bot.WebhookBaseURL + "/webhook"
	}
	orch := payments.NewOrchestrator(store, provider, finalizer, notifier, callbackURL, appLogger, m)

	botHandler := bot.NewHandler(cfg, store, engine, cat, orch, finalizer, platform, appLogger)
	collector := mediagroup.NewCollector(cfg.Shop.MediaGroupWindow.Duration, botHandler.HandleMediaBatch, appLogger, m)
	botHandler.SetCollector(collector)
	resources.Register("media-collector", collector)

	sweep := sweeper.NewService(store, orch, notifier, sweeper.Config{
		BasketTimeout:        cfg.Shop.BasketTimeout.Duration,
		BasketSweepInterval:  cfg.Shop.BasketSweepInterval.Duration,
		PendingSweepInterval: cfg.Shop.PendingSweepInterval.Duration,
		PendingMaxAge:        cfg.Shop.PendingMaxAge.Duration,
		AbandonedInterval:    cfg.Shop.AbandonedInterval.Duration,
	}, appLogger, m)
	sweep.Start()
	resources.Register("sweeper", sweep)

	srv := httpserver.New(cfg, store, cat, engine, orch, botHandler, notifier, m, appLogger)

	if cfg.Bot.WebhookBaseURL != "" {
		webhookURL := cfg.Bot.WebhookBaseURL + cfg.WebhookPath()
		if err := platform.SetWebhook(ctx, webhookURL); err != nil {
			return fmt.Errorf("register platform webhook: %w", err)
		}
		appLogger.Info().Str("url", webhookURL).Msg("platform webhook registered")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("http shutdown failed")
	}
	return nil
}
