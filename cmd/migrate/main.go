package main

import (
	"flag"

	"github.com/rs/zerolog/log"

	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/config"
	"pricedeck/internal/platform/database"
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

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	applied := 0
	err = migrations.Apply(db, func(name string) {
		applied++
		log.Info().Str("migration", name).Msg("Applying migration")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Int("applied", applied).Msg("Migration completed successfully")
}
