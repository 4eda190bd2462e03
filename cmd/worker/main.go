package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
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
	"podsim/internal/runner"
	"podsim/internal/worker"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// version is stamped at build time; dev builds report "dev".
var version = "dev"

// drainTimeout is how long a stopping worker waits for running containers
// before aborting them. Aborted runs are failed and recovery redispatches
// them to the surviving fleet.
const drainTimeout = 2 * time.Minute

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

	capacity := worker.DetectCapacity(cfg.Worker, 0)
	id, name := worker.ResolveIdentity(cfg.Worker)
	log.Info().
		Str("workerID", id).
		Str("workerName", name).
		Str("version", version).
		Int("capacity", capacity).
		Msg("Starting worker")

	// Open the job store
	store, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open job store")
	}

	// Blob store for raw game logs
	blobs, err := blob.New(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	// Deck catalog for jobs created from deckIds
	resolver, err := decks.NewFromFile(cfg.DecksFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load deck catalog")
	}

	// Progress channel for live updates; a noop when Redis is unset
	ch, err := progress.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize progress channel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clear simulation containers a previous run of this worker left behind.
	run := runner.NewDocker(cfg.Worker)
	run.Prune(ctx)

	agg := aggregate.New(store, gamelog.NewCondenser(blobs), rating.NewService(store), ch)
	rt := worker.NewRuntime(store, run, gamelog.NewLineParser(), blobs, resolver, agg, ch, worker.Identity{
		ID:       id,
		Name:     name,
		Version:  version,
		Capacity: capacity,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.RunHeartbeat(ctx)
	}()

	// Broker mode consumes tasks with prefetch bound to capacity; without a
	// broker the worker polls the store and runs whole jobs itself.
	var taskBroker broker.TaskBroker
	if cfg.BrokerEnabled() {
		cfg.Rabbit.PrefetchCount = capacity
		client, err := rabbitmq.NewClient(cfg.Rabbit)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
		}
		taskBroker, err = broker.NewRabbit(client, cfg.Rabbit)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to declare task topology")
		}
		if err := taskBroker.Subscribe(ctx, rt.HandleTask); err != nil {
			log.Fatal().Err(err).Msg("Failed to start task consumer")
		}
	} else {
		log.Info().Msg("No broker configured, polling for queued jobs")
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.RunPolling(ctx, 0)
		}()
	}

	// Keep the worker running until interrupted
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")

	// Broker mode stops taking deliveries and gives running containers a
	// window to finish before aborting the rest. Polling mode keeps claiming
	// until the context ends, so it aborts straight away and recovery
	// redispatches the failed runs. The final heartbeat lands after the
	// context ends so the fleet view shows this worker idle.
	if taskBroker != nil {
		taskBroker.Stop()
		rt.Drain(drainTimeout)
	}
	cancel()
	wg.Wait()

	if taskBroker != nil {
		taskBroker.Close()
	}
	ch.Close()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := store.Close(closeCtx); err != nil {
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
