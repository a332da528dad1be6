package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-ot/internal/config"
	"github.com/ssau-fiit/cloudocs-ot/internal/database"
	"github.com/ssau-fiit/cloudocs-ot/internal/mediator"
	"github.com/ssau-fiit/cloudocs-ot/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLOUDOCS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.Log.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if cfg.Level() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, database.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect to redis")
	}
	defer store.Close()

	srv := server.New(cfg.Server, store, mediator.Config{
		DigestHistory: cfg.Mediator.DigestHistory,
		MaxPending:    cfg.Mediator.MaxPending,
	}, log.Logger)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		store.Close()
		os.Exit(1)
	}
}
