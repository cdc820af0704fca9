package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/config"
	"github.com/habitflow/credits-server-go/internal/database"
)

// Usage: go run ./cmd/migrate [up|down|status|redo|version]
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db.DB.DB, command); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Str("command", command).Msg("migrations complete")
}
