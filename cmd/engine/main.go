// Command engine is the trading engine process entrypoint: it loads
// configuration, wires every component in dependency order, and runs
// until an operating-system signal requests shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kestrelq/ladderengine/internal/broker"
	"github.com/kestrelq/ladderengine/internal/config"
	"github.com/kestrelq/ladderengine/internal/instruments"
	"github.com/kestrelq/ladderengine/internal/positions"
	"github.com/kestrelq/ladderengine/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		setupConsoleLogger("info")
		log.Error().Err(err).Msg("engine: configuration invalid")
		return 64
	}
	setupLogger(cfg.LogLevel)

	manifest, err := instruments.Load(cfg.UniversePath)
	if err != nil {
		log.Error().Err(err).Msg("engine: failed to load instrument universe")
		return 64
	}
	if err := instruments.Validate(manifest); err != nil {
		log.Error().Err(err).Msg("engine: instrument universe failed validation")
		return 64
	}

	store, err := positions.NewSQLStore(cfg.DatabasePath, cfg.Mode)
	if err != nil {
		log.Error().Err(err).Msg("engine: failed to open position store")
		return 70
	}

	gw, err := newGateway(cfg)
	if err != nil {
		log.Error().Err(err).Msg("engine: failed to initialize broker gateway")
		return 69
	}

	sup := supervisor.New(cfg, manifest, store, gw)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		log.Error().Err(err).Msg("engine: failed to start")
		return 69
	}

	<-ctx.Done()
	log.Info().Msg("engine: shutdown signal received, draining")
	sup.Stop()
	return 0
}

func newGateway(cfg *config.Config) (broker.Gateway, error) {
	if cfg.IsDryRun() {
		pg := broker.NewPaperGateway()
		return pg, nil
	}
	bg := broker.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceUseUS, time.Duration(cfg.BrokerTimeoutSeconds)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bg.LoadExchangeInfo(ctx); err != nil {
		return nil, err
	}
	return bg, nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if isatty() {
		setupConsoleLogger(level)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
}

func setupConsoleLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func isatty() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
