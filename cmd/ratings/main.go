package main

import (
	"context"
	"fmt"
	"os"

	"podsim/internal/config"
	"podsim/internal/database"
	"podsim/internal/rating"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Rebuilds the deck rating table by replaying every stored match result in
// played order. Run it after a restore, a backend migration, or a rating
// parameter change; normal operation keeps ratings current incrementally.
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	godotenv.Load()

	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	store, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open job store")
	}
	ctx := context.Background()
	defer store.Close(ctx)

	games, err := rating.NewService(store).Rebuild(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild deck ratings")
	}

	fmt.Printf("Rebuilt deck ratings from %d game results\n", games)
}
