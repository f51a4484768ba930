package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/agent"
	"github.com/afroash/sensor-agent/internal/broker"
	"github.com/afroash/sensor-agent/internal/config"
	"github.com/afroash/sensor-agent/internal/inspect"
	"github.com/afroash/sensor-agent/internal/sensor"
	"github.com/afroash/sensor-agent/internal/storage"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	clientID := cfg.Client.ID
	if clientID == "" {
		clientID = broker.GenerateClientID()
	}

	logger.Info().
		Str("version", version).
		Str("client_id", clientID).
		Str("config", cfg.String()).
		Msg("Starting sensor agent")

	registry := sensor.NewFromConfig(cfg.Sensors, logger)

	callbacks := broker.Callbacks{
		OnConnect: func() {
			logger.Info().Msg("Broker connection established")
		},
		OnDisconnect: func() {
			logger.Warn().Msg("Broker connection lost")
		},
		OnConfigUpdate: func(update map[string]any) {
			// Remote updates are recorded, not applied; restart with a
			// new config file to change behavior.
			logger.Info().Interface("update", update).Msg("Configuration update received")
		},
	}
	brk := broker.New(cfg.Broker, clientID, callbacks, logger)

	var store *storage.SQLiteStore
	var writer *storage.Writer
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		store, err = storage.NewSQLiteStore(cfg.Storage.Path, logger)
		if err != nil {
			log.Fatalf("Failed to create reading log: %v", err)
		}

		writer = storage.NewWriter(store, storage.WriterConfig{
			BatchSize:     cfg.Storage.BatchSize,
			FlushPeriod:   cfg.Storage.FlushPeriod,
			ChannelSize:   cfg.Storage.ChannelSize,
			RetentionDays: cfg.Storage.RetentionDays,
			CleanupPeriod: cfg.Storage.CleanupPeriod,
		}, logger)
	}

	a := agent.New(cfg, clientID, registry, brk, writer, logger)

	var inspectSrv *inspect.Server
	if cfg.Inspect.Enabled {
		var inspectStore storage.Store
		if store != nil {
			inspectStore = store
		}
		inspectSrv = inspect.NewServer(cfg.Inspect, a, inspectStore, logger)
		a.OnCycle(inspectSrv.Broadcast)
		inspectSrv.Start()
	}

	if err := a.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start agent")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	a.Stop()
	if inspectSrv != nil {
		inspectSrv.Stop()
	}
	if store != nil {
		store.Close()
	}

	logger.Info().Msg("Agent stopped")
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger().Level(level)
}
