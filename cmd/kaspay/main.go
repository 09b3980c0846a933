package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"kaspay/internal/common/database"
	"kaspay/internal/common/events"
	"kaspay/internal/common/middleware"
	"kaspay/internal/common/nats"
	"kaspay/internal/indexer"
	"kaspay/internal/payments"
	paymentsapi "kaspay/internal/payments/api"
	"kaspay/internal/price"
	"kaspay/internal/webhooks"
	webhooksapi "kaspay/internal/webhooks/api"
	"kaspay/migrations"
)

// Config holds service configuration
type Config struct {
	Port           int      `envconfig:"PORT" default:"8080"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database  database.Config
	NATS      nats.Config
	Redis     price.RedisConfig
	Indexer   indexer.Config
	Price     price.Config
	Payments  payments.Config
	Poller    payments.PollerConfig
	Webhooks  webhooks.DispatcherConfig
	RateLimit middleware.RateLimitConfig
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("kaspay exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
			return err
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Event publishing is optional
	var publisher events.EventPublisher
	var natsClient *nats.Client
	if cfg.NATS.URL != "" {
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		if _, err := natsClient.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.MaxAge); err != nil {
			return err
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	// Price cache and rate limits are shared through Redis when configured
	var (
		priceCache  price.Cache            = price.NewMemoryCache()
		limiter     middleware.RateLimiter = middleware.NewMemoryLimiter(cfg.RateLimit)
		redisClient *redis.Client
	)
	if cfg.Redis.URL != "" {
		redisClient, err = price.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		priceCache = price.NewRedisCache(redisClient, cfg.Redis.KeyPrefix)
		limiter = middleware.NewRedisLimiter(redisClient, cfg.Redis.KeyPrefix, cfg.RateLimit)
		logger.Info("redis connected")
	}

	// Create services
	ledgerClient := indexer.NewClient(cfg.Indexer, logger)
	oracle := price.NewOracle(cfg.Price, priceCache, logger)

	webhookStore := webhooks.NewPostgresStore(db)
	dispatcher := webhooks.NewDispatcher(webhookStore, cfg.Webhooks, logger)
	registry := webhooks.NewRegistry(webhookStore, logger)

	paymentStore := payments.NewPostgresStore(db)
	paymentService := payments.NewService(paymentStore, ledgerClient, oracle, dispatcher, publisher, cfg.Payments, logger)
	detector := paymentService.Detector()

	var poller *payments.Poller
	if cfg.Poller.Enabled {
		poller = payments.NewPoller(paymentStore, detector, cfg.Poller, logger)
		if err := poller.Start(); err != nil {
			return err
		}
	}

	// Create handlers
	paymentHandler := paymentsapi.NewHandler(paymentService, detector, oracle, ledgerClient, logger)
	webhookHandler := webhooksapi.NewHandler(registry, logger)

	authenticate := func(ctx context.Context, apiKey string) (string, error) {
		m, err := paymentService.Authenticate(ctx, apiKey)
		if err != nil {
			return "", err
		}
		return m.ID, nil
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var failing []string
		if err := db.HealthCheck(r.Context()); err != nil {
			failing = append(failing, "database")
		}
		if natsClient != nil && natsClient.HealthCheck() != nil {
			failing = append(failing, "nats")
		}
		if redisClient != nil && redisClient.Ping(r.Context()).Err() != nil {
			failing = append(failing, "redis")
		}
		if len(failing) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":"not ready","failing":"%s"}`, strings.Join(failing, ","))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, middleware.ClientIP, logger))
			paymentHandler.PublicRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(authenticate))
			paymentHandler.MerchantRoutes(r)
			webhookHandler.Routes(r)
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting kaspay",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"poller", cfg.Poller.Enabled,
			"events", publisher != nil,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if poller != nil {
		poller.Stop()
	}
	dispatcher.Wait()
	paymentService.Wait()

	logger.Info("server stopped")
	return nil
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
