// SPDX-License-Identifier: MIT

// Command daemon runs the dubbing orchestrator: HTTP API, job scheduler,
// event fan-out and housekeeping in a single process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tommy2202/dubd/internal/config"
	"github.com/tommy2202/dubd/internal/daemon"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/version"
)

func main() {
	log.Configure(log.Config{Service: "dubd"})
	logger := log.WithComponent("main")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	app, err := daemon.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version.Version).Msg("dubd starting")
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("dubd stopped")
}
