// Package main is the entry point for the subsync API server.
//
// It loads configuration, opens the database pool, wires the billing engine,
// the payment provider client, and the operational side channels (alert queue,
// metrics), then serves the HTTP surface until a shutdown signal arrives.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"subsync/internal/api/handlers"
	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/metrics"
	"subsync/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("subsync API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(startupCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.RegisterCloser(func() error {
		pool.Close()
		return nil
	})
	srv.HealthProbes = []core.HealthProbe{db.NewPinger(pool)}

	catalog, err := billing.NewPlanCatalog(cfg.Billing)
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}

	alertPub, recorder, err := buildSideChannels(startupCtx, cfg, logger)
	if err != nil {
		return err
	}

	engine := billing.NewEngine(newTxRunner(pool), catalog, alertPub, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.APIKey.Unmask(),
			BaseURL:   cfg.Billing.APIBaseURL,
			Logger:    logger,
		},
	)
	verifier := &external.StripeVerifier{Tolerance: cfg.Billing.WebhookTolerance}

	// Pool-backed repositories for the synchronous read/write paths that do
	// not need multi-statement transactions.
	users := db.NewUserRepository(pool)
	subs := db.NewSubscriptionRepository(pool)

	resolver := billing.NewCustomerResolver(users, logger)
	orchestrator := billing.NewCheckoutOrchestrator(
		resolver, stripeClient, catalog, cfg.Server.DashboardURL, logger)
	statusSvc := billing.NewStatusService(users, subs, logger)

	webhookHandler := handlers.NewWebhookHandler(
		verifier, engine, recorder, cfg.Billing.WebhookSecret.Unmask(), logger)
	billingHandler := handlers.NewBillingHandler(
		orchestrator, statusSvc, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newTxRunner adapts the pgx pool into the engine's transaction boundary.
// Every webhook event is processed against repositories bound to one
// transaction, so ledger admission and state changes commit together.
func newTxRunner(pool *pgxpool.Pool) billing.TxRunner {
	return func(ctx context.Context, fn func(s billing.Store) error) error {
		return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			return fn(billing.Store{
				Users:         db.NewUserRepository(tx),
				Subscriptions: db.NewSubscriptionRepository(tx),
				Events:        db.NewEventRepository(tx),
			})
		})
	}
}

// buildSideChannels constructs the ops alert publisher and the metrics
// recorder. Alerts fall back to a logging publisher when no queue is
// configured; neither channel ever fails event processing.
func buildSideChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) (billing.AlertPublisher, metrics.Recorder, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var alertPub billing.AlertPublisher
	if cfg.AWS.AlertQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		alertPub = queue.NewSQSAlertPublisher(sqsClient, cfg.AWS, logger)
	} else {
		alertPub = queue.NewNopAlertPublisher(logger)
	}

	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	recorder := metrics.NewCloudWatchRecorder(cwClient, cfg.AWS.MetricNamespace, logger)

	return alertPub, recorder, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
