// Package server is the composition root: it builds every dependency from
// configuration, wires handlers to routes, and runs the HTTP server with
// graceful shutdown.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config
//	  → ledger (sqlite | memory), object store (local | s3),
//	    image provider (OpenAI), payment processor (Stripe), metrics
//	  → services (account, auth, generation, image, billing)
//	  → handlers
//	  → chi routes
//
// Each layer only receives interfaces from the one below, so the backends
// are swapped here and nowhere else.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/billing"
	billingstripe "github.com/ylayali/family-coloring-page-generator/internal/billing/stripe"
	"github.com/ylayali/family-coloring-page-generator/internal/config"
	"github.com/ylayali/family-coloring-page-generator/internal/handler"
	"github.com/ylayali/family-coloring-page-generator/internal/imagegen"
	"github.com/ylayali/family-coloring-page-generator/internal/metrics"
	"github.com/ylayali/family-coloring-page-generator/internal/middleware"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/memory"
	sqliteRepo "github.com/ylayali/family-coloring-page-generator/internal/repository/sqlite"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
	"github.com/ylayali/family-coloring-page-generator/internal/storage"
	"github.com/ylayali/family-coloring-page-generator/internal/trial"
)

// shutdownTimeout is how long in-flight requests get to finish.
const shutdownTimeout = 30 * time.Second

// Server owns the router and the resources that must be released on
// shutdown.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	db      *sqliteRepo.DB // nil with the memory ledger
}

// New builds every dependency from cfg. The caller must Close the server
// if it does not Start it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	ledger, err := s.openLedger()
	if err != nil {
		return nil, err
	}

	store, err := s.openStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := s.setupRoutes(ledger, store); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

func (s *Server) openLedger() (repository.AccountRepository, error) {
	switch s.config.LedgerBackend {
	case config.LedgerMemory:
		s.logger.Warn("using the in-memory ledger; accounts are lost on restart")
		return memory.New(), nil

	default:
		if dir := filepath.Dir(s.config.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		db, err := sqliteRepo.New(s.config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.db = db
		return db, nil
	}
}

func (s *Server) openStore(ctx context.Context) (storage.ObjectStore, error) {
	switch s.config.StorageBackend {
	case config.StorageS3:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          s.config.S3Bucket,
			Region:          s.config.S3Region,
			AccessKeyID:     s.config.S3AccessKeyID,
			SecretAccessKey: s.config.S3SecretAccessKey,
			EndpointURL:     s.config.S3EndpointURL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening object store: %w", err)
		}
		return store, nil

	default:
		store, err := storage.NewLocalStore(s.config.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("opening object store: %w", err)
		}
		return store, nil
	}
}

// setupRoutes configures middleware and every route.
//
// ROUTE STRUCTURE:
//
//	GET  /healthz                              liveness + readiness
//	GET  /metrics                              prometheus exposition
//	POST /api/auth/signup | login | logout
//	GET  /api/auth/me                          (auth)
//	GET  /api/plans
//	POST /api/stripe/create-checkout-session   (auth)
//	POST /api/stripe/webhook                   (signature)
//	POST /api/images                           (auth) generate
//	GET  /api/images/{accountId}/{file}        (auth) owner only
//	POST /api/image-delete                     (auth)
//
// MIDDLEWARE ORDER: RequestID → RealIP → Logger → Metrics → Recoverer.
// Recoverer sits innermost so a recovered panic is still logged as a 500.
func (s *Server) setupRoutes(ledger repository.AccountRepository, store storage.ObjectStore) error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	catalog := billing.NewCatalog(cfg.BasicPlanPriceID, cfg.PremiumPlanPriceID)
	provider := imagegen.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel)

	// === Services ===
	accounts := service.NewAccountService(ledger, trial.New(cfg.TrialLengthDays), s.logger, s.metrics)
	authService := service.NewAuthService(ledger, accounts, tokens, auth.NewPasswordService(), s.logger, cfg.FreeTrialCredits)
	generator := service.NewGenerationService(accounts, ledger, provider, store, cfg.GenerationTimeout, s.logger, s.metrics)
	images := service.NewImageService(store, s.logger)
	billingService := service.NewBillingService(ledger, billingstripe.NewProcessor(cfg.StripeSecretKey), catalog, cfg.PublicURL, s.logger)
	reconciler := billing.NewReconciler(ledger, catalog, s.logger, s.metrics)

	// === Handlers ===
	authHandler := handler.NewAuthHandler(authService, !cfg.IsDev(), s.logger)
	generationHandler := handler.NewGenerationHandler(generator, s.logger)
	imageHandler := handler.NewImageHandler(images, s.logger)
	billingHandler := handler.NewBillingHandler(billingService, billingstripe.NewWebhookVerifier(cfg.StripeWebhookSecret), reconciler, s.logger)
	healthHandler := handler.NewHealthHandler(s.healthChecks(store), s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", authHandler.HandleSignUp)
		r.Post("/auth/login", authHandler.HandleLogin)
		r.Post("/auth/logout", authHandler.HandleLogout)
		r.Get("/plans", billingHandler.HandlePlans)
		r.Post("/stripe/webhook", billingHandler.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))

			r.Get("/auth/me", authHandler.HandleMe)
			r.Post("/stripe/create-checkout-session", billingHandler.HandleCreateCheckoutSession)
			r.Post("/images", generationHandler.HandleGenerate)
			r.Get("/images/{accountId}/{file}", imageHandler.HandleGet)
			r.Post("/image-delete", imageHandler.HandleDelete)
		})
	})

	return nil
}

// healthChecks lists the dependencies that can report readiness.
func (s *Server) healthChecks(store storage.ObjectStore) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{}
	if s.db != nil {
		checks["ledger"] = s.db
	}
	if p, ok := store.(handler.Pinger); ok {
		checks["storage"] = p
	}
	return checks
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database. It is safe to call more than once.
func (s *Server) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("closing database", slog.String("error", err.Error()))
	}
	s.db = nil
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests and
// closes the database.
//
// WriteTimeout must outlast a generation: the provider alone may take up
// to GenerationTimeout.
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      s.config.GenerationTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("ledger", s.config.LedgerBackend),
			slog.String("storage", s.config.StorageBackend),
			slog.String("publicURL", s.config.PublicURL),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
