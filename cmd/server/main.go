// Package main is the entry point for the Sentinel trading backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/config"
	"github.com/sentinel-trading/backend/internal/di"
	"github.com/sentinel-trading/backend/internal/server"
)

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func main() {
	dataDir := flag.String("data-dir", "", "override the sqlite data directory (SENTINEL_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		newLogger("info", true).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := newLogger(cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting sentinel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		Container: container,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	container.Scheduler.Start(ctx)
	log.Info().Msg("scheduler started")

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("stopped")
}
