package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/config"
	"pricedeck/internal/platform/database"
	"pricedeck/internal/platform/repositories"
	"pricedeck/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Dur("retention", cfg.Webhooks.LogRetention).
		Dur("interval", cfg.Webhooks.RetentionInterval).
		Msg("Starting delivery log retention worker")

	workers.RunRetention(ctx, repositories.NewDeliveryLogRepository(db), cfg.Webhooks.LogRetention, cfg.Webhooks.RetentionInterval)

	log.Info().Msg("Worker stopped")
}
