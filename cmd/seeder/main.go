// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unclebandit/waleopard-engine/internal/config"
	"github.com/unclebandit/waleopard-engine/internal/db"
	"github.com/unclebandit/waleopard-engine/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("seeder: connect")
	}
	defer conn.Close()

	files := []string{
		"migrations/001_schema.sql",
		"seed/contacts.sql",
		"seed/campaigns.sql",
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("seeder: read")
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("seeder: execute")
		}
		log.Info().Str("file", file).Msg("seeded")
	}

	log.Info().Msg("database seeding completed")
}
