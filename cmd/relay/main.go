package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Logger = server.NewLogger(cfg.Log, os.Stderr)
	log.Info().
		Str("addr", cfg.Addr()).
		Str("queue", cfg.Queue.Backend).
		Bool("enforce_sender", cfg.EnforceSender).
		Msg("starting relay server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}
	srv.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal, initiating graceful shutdown")
	}

	if err := srv.Shutdown(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server shutdown complete")
}
