package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httphandler "mystery-box-service/internal/adapters/http"
	"mystery-box-service/internal/adapters/messaging/kafka"
	"mystery-box-service/internal/adapters/messaging/logbroker"
	"mystery-box-service/internal/adapters/storage/memory"
	"mystery-box-service/internal/adapters/storage/postgres"
	"mystery-box-service/internal/adapters/storage/redis"
	"mystery-box-service/internal/app"
	"mystery-box-service/internal/config"
	"mystery-box-service/internal/core/ports"
	"mystery-box-service/internal/observability"
	"mystery-box-service/internal/reward"
)

const serviceName = "mystery-box-service"

// stores groups the three store-side ports one backend provides.
type stores struct {
	catalog ports.BoxCatalog
	tx      ports.PurchaseStore
	ledger  ports.LedgerReader
	close   func()
	// published lists boxes written from the catalog file at startup.
	published []string
}

type closableBroker interface {
	ports.MessageBroker
	Close()
}

func main() {
	// --- 1. Configuration and Logging ---
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	cfg, err := config.Load(config.Path())
	if err != nil {
		fallbackLogger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.App.Env)
	logger.Info("Application starting", "env", cfg.App.Env, "port", cfg.Server.Port, "store", cfg.App.Store)

	// --- 2. Observability ---
	shutdownTracer, err := observability.InitTracer(cfg.Jaeger.PortGrpc, serviceName, cfg.App.Env, cfg.Jaeger.SampleRatio)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("Failed to shutdown tracer", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 3. Dependencies ---
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "store", cfg.App.Store, "error", err)
		os.Exit(1)
	}
	defer st.close()

	var limiter ports.RateLimiterRepository
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close Redis connection", "error", err)
			}
		}()
		cache := redis.NewCatalogCache(rdb, st.catalog, cfg.Redis.CatalogTTL, logger)
		for _, boxID := range st.published {
			if err := cache.Invalidate(ctx, boxID); err != nil {
				logger.Error("Failed to invalidate cached box", "box_id", boxID, "error", err)
				os.Exit(1)
			}
		}
		st.catalog = cache
		if cfg.Redis.RateLimit.Algorithm == "sliding" {
			limiter = redis.NewSlidingWindowLimiter(rdb)
		} else {
			limiter = redis.NewRateLimiterAdapter(rdb)
		}
		logger.Info("Connected to Redis", "rate_limit", cfg.Redis.RateLimit.Algorithm)
	}

	var broker closableBroker = logbroker.NewBroker(logger)
	if cfg.Kafka.BootstrapServers != "" {
		kb, err := kafka.NewBroker(ctx, strings.Split(cfg.Kafka.BootstrapServers, ","), cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Error("Failed to create Kafka broker", "error", err)
			os.Exit(1)
		}
		broker = kb
		logger.Info("Kafka broker created", "topic", cfg.Kafka.Topic)
	}
	defer broker.Close()

	// --- 4. Service Layer ---
	resolver := reward.NewResolver(reward.NewCryptoSource(), reward.NewCooldownPolicy(cfg.Purchase.TopCooldown))
	manager := app.NewPurchaseManager(st.catalog, st.tx, resolver, logger, app.RetryOptions{
		MaxRetries: cfg.Purchase.MaxRetries,
		BaseDelay:  cfg.Purchase.RetryBaseDelay,
		MaxDelay:   cfg.Purchase.RetryMaxDelay,
	}, app.WithBroker(broker))
	purchaseHandler := httphandler.NewPurchaseHandler(manager, app.NewLedgerService(st.ledger), logger)

	authenticate, err := authMiddleware(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to set up authentication", "error", err)
		os.Exit(1)
	}

	// --- 5. HTTP Router ---
	r := chi.NewRouter()

	// Public middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		observability.NewLoggerMiddleware(logger),
		observability.NewMetricsMiddleware(serviceName),
		observability.NewTracingMiddleware(serviceName),
	)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": serviceName,
		}); err != nil {
			logger.Error("Failed to write health response", "error", err)
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes: /api/v1/*
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate)
		if limiter != nil {
			r.Use(httphandler.NewRateLimiterMiddleware(limiter, cfg.Redis.RateLimit.Limit, cfg.Redis.RateLimit.Window, logger).Handler)
		}
		purchaseHandler.Routes(r)
	})

	// --- 6. HTTP Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	var catalog *config.CatalogFile
	if cfg.App.CatalogFile != "" {
		c, err := config.LoadCatalog(cfg.App.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}

	if cfg.App.Store == "memory" {
		mem := memory.New()
		if catalog != nil {
			for _, box := range catalog.Boxes {
				if err := mem.PutBox(box); err != nil {
					return nil, err
				}
			}
			for _, acc := range catalog.Accounts {
				if err := mem.Open(acc.ID, acc.Coins, acc.Points); err != nil {
					return nil, err
				}
			}
			logger.Info("Seeded memory store", "boxes", len(catalog.Boxes), "accounts", len(catalog.Accounts))
		}
		return &stores{catalog: mem, tx: mem, ledger: mem, close: func() {}}, nil
	}

	repo, err := postgres.NewRepository(ctx, cfg.Postgres.DSN, cfg.Postgres.Isolation)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	// Accounts are owned by the wallet side in Postgres; only boxes are published from the file.
	var published []string
	if catalog != nil {
		for _, box := range catalog.Boxes {
			if err := repo.PutBox(ctx, box); err != nil {
				repo.Close()
				return nil, err
			}
			published = append(published, box.ID)
		}
		logger.Info("Published boxes", "boxes", len(catalog.Boxes))
	}
	logger.Info("Connected to PostgreSQL", "isolation", cfg.Postgres.Isolation)
	return &stores{catalog: repo, tx: repo, ledger: repo, close: repo.Close, published: published}, nil
}

// authMiddleware prefers OIDC when a provider is configured and falls back to HS256 JWTs.
func authMiddleware(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.OIDC.URL != "" {
		authenticator, err := httphandler.NewOIDCAuthenticator(ctx, cfg.OIDC.URL, cfg.OIDC.ClientID, logger)
		if err != nil {
			return nil, err
		}
		return authenticator.Middleware, nil
	}
	if cfg.JWT.JWTSecret == "" {
		return nil, errors.New("either oidc.url or jwt.jwt_secret must be set")
	}
	return httphandler.JWTMiddleware([]byte(cfg.JWT.JWTSecret), logger), nil
}
