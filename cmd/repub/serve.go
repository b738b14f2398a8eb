package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/api"
	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/config"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/middleware"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
	"github.com/gsmlg-opt/repub-sub002/pkg/proxy"
	"github.com/gsmlg-opt/repub-sub002/pkg/registry"
	"github.com/gsmlg-opt/repub-sub002/pkg/storageconfig"
	"github.com/gsmlg-opt/repub-sub002/pkg/webhooks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the registry HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	ctx := context.Background()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := storageconfig.AcquireLock(cfg.Server.LockFile); err != nil {
		return err
	}
	defer storageconfig.ReleaseLock(cfg.Server.LockFile)

	store, err := metadata.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// The active storage slot wins over the environment after first
	// boot; the environment only seeds it.
	activeStorage, err := storageconfig.LoadActive(ctx, store, &cfg.Storage)
	if err != nil {
		return err
	}
	blobs, err := storageconfig.BuildStore(ctx, activeStorage)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}
	if err := blobs.EnsureReady(ctx); err != nil {
		return fmt.Errorf("blob store not ready: %w", err)
	}
	logger.WithField("backend", activeStorage.Backend).Info("blob store ready")

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	downloads := registry.NewDownloadCounter(store, logger, time.Minute)
	go downloads.Run()

	dispatcher := webhooks.NewDispatcher(store, logger, metrics)
	dispatcher.Start()

	svc := registry.NewService(store, blobs, dispatcher, logger, metrics, downloads, registry.Options{
		BaseURL:      cfg.Server.BaseURL,
		SignedURLTTL: cfg.Auth.SignedURLTTL,
	})

	var proxyCache *proxy.Cache
	if cfg.Upstream.Enabled {
		proxyCache = proxy.NewCache(store, blobs, proxy.NewClient(cfg.Upstream.URL),
			logger, metrics, cfg.Server.BaseURL, cfg.Upstream.ListingTTL)
		logger.WithField("upstream", cfg.Upstream.URL).Info("upstream proxy-cache enabled")
	}

	rateLimit, strictLimit, limiterCleanup := buildRateLimiters(cfg, logger, metrics)

	health := observability.NewHealthChecker()
	health.Register("metadata", observability.PingerFunc(store.Ping))
	health.Register("blobs", observability.PingerFunc(blobs.EnsureReady))

	server := api.NewServer(api.Config{
		Store:               store,
		Registry:            svc,
		Proxy:               proxyCache,
		Tokens:              auth.NewTokenService(store),
		Dispatcher:          dispatcher,
		Logger:              logger,
		Metrics:             metrics,
		MetricsHandler:      observability.Handler(promRegistry),
		Health:              health,
		RateLimit:           rateLimit,
		StrictRateLimit:     strictLimit,
		RequirePublishAuth:  cfg.Auth.RequirePublishAuth,
		RequireDownloadAuth: cfg.Auth.RequireDownloadAuth,
	})

	// Periodic housekeeping: expired upload sessions.
	scheduler := cron.New()
	scheduler.AddFunc("@every 5m", func() {
		n, err := store.CleanupExpiredSessions(context.Background(), time.Now().UTC())
		if err != nil {
			logger.WithError(err).Warn("cleanup expired upload sessions")
			return
		}
		if n > 0 {
			metrics.UploadSessionsExpired.Add(float64(n))
			logger.WithField("sessions", n).Info("expired upload sessions removed")
		}
	})
	scheduler.Start()

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		dispatcher.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		downloads.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		scheduler.Stop()
		return nil
	})
	if limiterCleanup != nil {
		shutdown.RegisterShutdownFunc(limiterCleanup)
	}

	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("registry listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}

// buildRateLimiters picks the Redis-backed limiters when Redis is
// configured, the in-memory sliding windows otherwise. The second
// limiter carries the tighter publish/admin budget.
func buildRateLimiters(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*middleware.RateLimitMiddleware, *middleware.RateLimitMiddleware, observability.ShutdownFunc) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			opts = &redis.Options{Addr: cfg.Redis.URL}
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		client := redis.NewClient(opts)
		global := middleware.NewDistributedRateLimiter(client, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		strict := middleware.NewDistributedRateLimiter(client, cfg.RateLimit.StrictRequests, cfg.RateLimit.Window, "ratelimit-strict")
		logger.WithField("addr", opts.Addr).Info("distributed rate limiting enabled")
		return middleware.NewRateLimitMiddleware(global, logger, metrics, "redis"),
			middleware.NewRateLimitMiddleware(strict, logger, metrics, "redis-strict"),
			func(context.Context) error { return client.Close() }
	}

	global := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	global.StartCleanup(context.Background())
	strict := middleware.NewRateLimiter(cfg.RateLimit.StrictRequests, cfg.RateLimit.Window)
	strict.StartCleanup(context.Background())
	return middleware.NewRateLimitMiddleware(global, logger, metrics, "memory"),
		middleware.NewRateLimitMiddleware(strict, logger, metrics, "memory-strict"), nil
}
