package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/warp/meter-ledger/config"
	"github.com/warp/meter-ledger/logging"
	"github.com/warp/meter-ledger/store/sqlite"
)

// app is the state every command starts from.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	store *sqlite.Store
}

func openApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	log := logging.New(cfg.Log)

	if cfg.DB.Path != ":memory:" {
		if dir := filepath.Dir(cfg.DB.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	store, err := sqlite.New(cfg.DB.Path, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info().Str("db", cfg.DB.Path).Str("timezone", cfg.Location.String()).Msg("database ready")
	return &app{cfg: cfg, log: log, store: store}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
