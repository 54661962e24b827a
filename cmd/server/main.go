// Command server runs only the SnapCheck web tier, for container images that
// want a single-purpose entry point. Configuration comes from SNAPCHECK_*
// variables or ./snapcheck.yml.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/app"
	"github.com/dharsanguruparan/snapcheck/internal/config"
	"github.com/dharsanguruparan/snapcheck/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("SNAPCHECK_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatal().Err(err).Msg("init logging")
	}
	if err := app.Serve(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
