package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paycore/internal/auth"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/nats"
	"paycore/internal/payments"
	"paycore/internal/payments/api"
	"paycore/internal/providers/visa"
	"paycore/internal/providers/wallet"
	"paycore/internal/providers/wise"
	"paycore/internal/ratelimit"
	"paycore/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	PaymentRateLimit int           `envconfig:"RATE_LIMIT_PAYMENTS" default:"30"`
	RefundRateLimit  int           `envconfig:"RATE_LIMIT_REFUNDS" default:"30"`
	StatusRateLimit  int           `envconfig:"RATE_LIMIT_STATUS" default:"120"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	Database database.Config
	NATS     nats.Config
	Auth     auth.Config

	Wise   wise.Config
	Visa   visa.Config
	Wallet wallet.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply schema migrations before opening the pool
	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS; the service degrades to no eventing if unavailable
	var publisher payments.Publisher
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Warn("nats unavailable, lifecycle events disabled", "error", err)
	} else {
		defer natsClient.Close()
		if _, err := natsClient.EnsureStream(ctx); err != nil {
			logger.Warn("failed to ensure event stream", "error", err)
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	// Provider adapters
	wiseAdapter := wise.New(cfg.Wise, logger)
	visaAdapter := visa.New(cfg.Visa, logger)
	walletAdapter := wallet.New(cfg.Wallet, logger)

	gateways := map[payments.Method]payments.Gateway{
		payments.MethodBankTransfer: wiseAdapter,
		payments.MethodCardPush:     visaAdapter,
		payments.MethodWalletToken:  walletAdapter,
	}

	// Create services
	store := payments.NewPostgresStore(db, logger)
	service := payments.NewService(store, gateways, publisher, logger)
	guard := auth.NewGuard(cfg.Auth, auth.NewMemoryRevocationList(), logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logger)

	// Create handlers
	paymentHandler := api.NewHandler(service, guard, limiter, api.Limits{
		Payments: middleware.RateLimitConfig{Limit: cfg.PaymentRateLimit, Window: cfg.RateLimitWindow},
		Refunds:  middleware.RateLimitConfig{Limit: cfg.RefundRateLimit, Window: cfg.RateLimitWindow},
		Status:   middleware.RateLimitConfig{Limit: cfg.StatusRateLimit, Window: cfg.RateLimitWindow},
	}, logger)
	reconciler := webhook.NewReconciler(service,
		[]webhook.Provider{wiseAdapter, visaAdapter, walletAdapter}, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	paymentHandler.Routes(r)
	reconciler.Routes(r)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payment orchestration service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
