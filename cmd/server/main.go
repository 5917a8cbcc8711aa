package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"pricedeck/internal/api"
	"pricedeck/internal/api/handlers"
	"pricedeck/internal/api/middleware"
	"pricedeck/internal/engine/analytics"
	"pricedeck/internal/engine/webhooks"
	"pricedeck/internal/metrics"
	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/audit"
	"pricedeck/internal/platform/auth"
	"pricedeck/internal/platform/config"
	"pricedeck/internal/platform/database"
	"pricedeck/internal/platform/repositories"
	"pricedeck/migrations"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("jwt.secret must be set")
	}

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := migrations.Apply(db, func(name string) {
		log.Info().Str("migration", name).Msg("Applied migration")
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Repositories
	webhookRepo := repositories.NewWebhookRepository(db)
	logRepo := repositories.NewDeliveryLogRepository(db)

	// Analytics are optional
	var redisClient *redis.Client
	var analyticsSvc *analytics.Service
	var recorder webhooks.AnalyticsRecorder
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, analytics will be degraded")
		}
		analyticsSvc = analytics.NewService(analytics.NewRepository(redisClient, cfg.Redis.Retention))
		recorder = analyticsSvc
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(registry)

	// Webhook engine
	webhookSvc := webhooks.NewService(webhooks.Options{
		Store:     webhookRepo,
		Logs:      logRepo,
		Analytics: recorder,
		Metrics:   sink,
		Policy: webhooks.Policy{
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			BaseDelay:   cfg.Webhooks.BaseDelay,
			Multiplier:  cfg.Webhooks.Multiplier,
			MaxDelay:    cfg.Webhooks.MaxDelay,
		},
		DeliveryTimeout:   cfg.Webhooks.DeliveryTimeout,
		ProbeTimeout:      cfg.Webhooks.ProbeTimeout,
		RetryWorkers:      cfg.Webhooks.RetryWorkers,
		MaxPendingRetries: cfg.Webhooks.MaxPendingRetries,
		FanoutLimit:       cfg.Webhooks.FanoutLimit,
	})
	if err := webhookSvc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start webhook service")
	}

	auditLog := audit.NewLogger(db)
	tokenSvc := auth.NewTokenService(cfg.JWT)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)
	go rateLimiter.Run(ctx)

	deps := &api.Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(webhookSvc, auditLog),
		EventHandler:     handlers.NewEventHandler(webhookSvc, auditLog),
		AnalyticsHandler: handlers.NewAnalyticsHandler(webhookSvc, analyticsSvc),
		AuditHandler:     handlers.NewAuditHandler(auditLog),
		HealthHandler:    handlers.NewHealthHandler(db, redisClient, webhookSvc),
		MetricsHandler:   handlers.NewMetricsHandler(registry),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokenSvc),
		RateLimiter:      rateLimiter,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := webhookSvc.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Webhook service shutdown incomplete")
	}
	auditLog.Wait()

	log.Info().Msg("Server stopped")
}
