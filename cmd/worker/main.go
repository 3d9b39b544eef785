package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/waleopard-engine/internal/app"
	"github.com/unclebandit/waleopard-engine/internal/config"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: startup failed")
	}
	defer a.Close()

	if a.InMemoryQueue {
		// only the scheduler and sweeps do anything useful here
		log.Warn().Msg("worker: AMQP_URL not set, jobs from the server will not reach this process")
	}

	if err := a.Worker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		a.Close()
		os.Exit(1)
	}
}
