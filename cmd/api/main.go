package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/config"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/gamelog"
	"podsim/internal/progress"
	"podsim/internal/rabbitmq"
	"podsim/internal/rating"
	"podsim/internal/recovery"
	"podsim/internal/server"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Load .env for local development; deployments set the environment.
	godotenv.Load()

	// Load configuration
	cfg, err := config.Load("config/config.json")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging
	setupLogger(cfg.Logging)

	log.Info().
		Str("env", cfg.Env).
		Bool("cloudMode", cfg.CloudMode()).
		Bool("broker", cfg.BrokerEnabled()).
		Msg("Starting API")

	// Open the job store
	store, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open job store")
	}

	// Blob store for raw game logs and condensed results
	blobs, err := blob.New(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	// Deck catalog backing deckIds on job creation
	resolver, err := decks.NewFromFile(cfg.DecksFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load deck catalog")
	}

	// Progress channel for live streams; falls back to store polling when
	// Redis is not configured.
	ch, err := progress.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize progress channel")
	}

	// Task broker; without one, workers poll the store for queued jobs.
	var taskBroker broker.TaskBroker
	if cfg.BrokerEnabled() {
		client, err := rabbitmq.NewClient(cfg.Rabbit)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
		}
		if err := client.Health(); err != nil {
			log.Fatal().Err(err).Msg("RabbitMQ health check failed")
		}
		taskBroker, err = broker.NewRabbit(client, cfg.Rabbit)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to declare task topology")
		}
	} else {
		log.Info().Msg("No broker configured, workers poll for queued jobs")
	}

	agg := aggregate.New(store, gamelog.NewCondenser(blobs), rating.NewService(store), ch)

	var publisher broker.Publisher
	if taskBroker != nil {
		publisher = taskBroker
	}
	engine := recovery.New(store, publisher, agg)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	srv := server.New(cfg, store, taskBroker, ch, blobs, resolver, agg, engine)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Keep the application running until interrupted
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}

	if taskBroker != nil {
		taskBroker.Close()
	}
	ch.Close()
	if err := store.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to close job store")
	}
}

func setupLogger(config config.LoggingConfig) {
	// Set global log level
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure logger output
	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	// Add timestamp
	log.Logger = log.With().Timestamp().Logger()
}
