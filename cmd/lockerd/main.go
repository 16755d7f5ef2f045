// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dolaplink/lockerd/internal/config"
	"github.com/dolaplink/lockerd/internal/daemon"
	"github.com/dolaplink/lockerd/internal/health"
	"github.com/dolaplink/lockerd/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.ParseString("LOCKERD_CONFIG", "")
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "lockerd"})
		logger := log.WithComponent("main")
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Service: "lockerd",
	})
	logger := log.WithComponent("main")

	if path != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("path", path).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "defaults+env").
			Msg("loaded configuration from defaults and environment")
	}

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.checks_failed").
			Msg("pre-flight checks failed")
	}

	holder := config.NewHolder(cfg, loader, path)

	app, err := daemon.Build(holder, version)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.build_failed").
			Msg("failed to assemble daemon")
	}

	logger.Info().
		Str("event", "startup.complete").
		Str("version", version).
		Str("kiosk_id", cfg.Kiosk.ID).
		Int("lockers", cfg.Lockers.Count).
		Msg("lockerd starting")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str("event", "daemon.exit_error").
			Msg("daemon exited with error")
		os.Exit(1)
	}

	logger.Info().Str("event", "daemon.exit").Msg("shutdown complete")
}
