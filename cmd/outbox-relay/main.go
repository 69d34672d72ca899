package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/cylinder-shop/internal/config"
	"github.com/vasiliy-maslov/cylinder-shop/internal/db"
	"github.com/vasiliy-maslov/cylinder-shop/internal/kafka"
	"github.com/vasiliy-maslov/cylinder-shop/internal/logging"
	"github.com/vasiliy-maslov/cylinder-shop/internal/outbox"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup("outbox-relay", cfg.App.Env, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer func() {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close kafka producer")
		}
	}()

	relay := outbox.NewRelay(outbox.NewPostgresStore(pg.Pool), producer, cfg.Outbox.BatchSize, cfg.Outbox.PollInterval)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Dur("poll_interval", cfg.Outbox.PollInterval).
		Msg("Outbox relay started")

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Outbox relay stopped with error")
		return
	}
	log.Info().Msg("Outbox relay stopped")
}
