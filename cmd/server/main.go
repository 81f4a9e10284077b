package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/config"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/metrics"
	natspkg "github.com/brojonat/transops/service/nats"
	"github.com/brojonat/transops/service/payments"
	"github.com/brojonat/transops/service/routing"
	"github.com/brojonat/transops/service/server"
	"github.com/brojonat/transops/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	provider := payments.NewStripeProvider(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook events will be rejected")
	}

	paymentService := payments.NewService(store, provider, cfg.PaymentCurrency, logger).
		WithMetrics(metricsCollector)

	// NATS is optional: without it payment events are simply not published.
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, payment events disabled", "url", cfg.NATSURL, "error", err)
	} else {
		defer natsPublisher.Close()
		paymentService = paymentService.WithPublisher(natsPublisher)
	}

	deps := server.Deps{
		Store:    store,
		Auth:     auth.NewManager(cfg.JWTSecret, cfg.JWTTTL),
		Payments: paymentService,
	}

	// Temporal is optional: without it checkouts rely on client polling and
	// the webhook.
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, durable confirmation disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		temporalClient = temporalClient.WithConfirmationPolicy(cfg.ConfirmMaxAttempts, cfg.ConfirmPollInterval)
		paymentService.WithConfirmationStarter(temporalClient)
		deps.Confirmations = temporalClient
	}

	if cfg.RouteOptimizerEnabled() {
		optimizer, err := routing.New(routing.Config{
			APIKey:     cfg.LLMAPIKey,
			BaseURL:    cfg.LLMBaseURL,
			Model:      cfg.LLMModel,
			ResponseJQ: cfg.LLMResponseJQ,
			Timeout:    cfg.LLMTimeout,
		}, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create route optimizer", "error", err)
			os.Exit(1)
		}
		deps.Router = optimizer
	} else {
		logger.Info("LLM_API_KEY not set, route optimization disabled")
	}

	httpServer := server.New(cfg.ServerAddr, cfg, deps, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats", natsPublisher != nil,
		"temporal", deps.Confirmations != nil,
		"route_optimizer", deps.Router != nil,
		"currency", cfg.PaymentCurrency,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
