// Package httpserver exposes the storefront's HTTP surface: the payment
// provider callback, the platform webhook, the mini-app browse API, and
// the operational endpoints.
package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/bot"
	"github.com/gramshop/server/internal/catalog"
	"github.com/gramshop/server/internal/config"
	"github.com/gramshop/server/internal/inventory"
	"github.com/gramshop/server/internal/logger"
	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/notify"
	"github.com/gramshop/server/internal/payments"
	"github.com/gramshop/server/internal/storage"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	store    storage.Store
	catalog  *catalog.Service
	engine   *inventory.Engine
	payments *payments.Orchestrator
	bot      *bot.Handler
	notify   *notify.Service
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(cfg *config.Config, store storage.Store, cat *catalog.Service, engine *inventory.Engine, orch *payments.Orchestrator, botHandler *bot.Handler, notifier *notify.Service, m *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			store:    store,
			catalog:  cat,
			engine:   engine,
			payments: orch,
			bot:      botHandler,
			notify:   notifier,
			metrics:  m,
			logger:   appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.configureRouter(router)
	return s
}

func (s *Server) configureRouter(router chi.Router) {
	router.Use(middleware.Recoverer)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(s.logger))

	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.Server.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}).Handler)
	}

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())

	// Provider callbacks and platform updates are machine traffic; the
	// rate limit protects only the browse API.
	router.Post("/webhook", s.handleProviderCallback)
	router.Post(s.cfg.WebhookPath(), s.handlePlatformUpdate)

	router.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimit.Enabled {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit.RequestsPerWindow, s.cfg.RateLimit.Window.Duration))
		}
		r.Use(s.requireInitData)
		r.Get("/catalog/cities", s.handleCities)
		r.Get("/catalog/districts", s.handleDistricts)
		r.Get("/catalog/types", s.handleTypes)
		r.Get("/basket", s.handleBasket)
		r.Post("/basket/{productID}", s.handleBasketAdd)
		r.Delete("/basket/{productID}", s.handleBasketRemove)
		r.Post("/invoice", s.handleCreateInvoice)
		r.Post("/refill", s.handleCreateRefill)
		r.Get("/payment/{paymentID}", s.handlePaymentProbe)
		r.Post("/review", s.handleReview)
		r.Get("/profile", s.handleProfile)
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("http server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
