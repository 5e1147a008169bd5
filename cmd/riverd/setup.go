package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/config"
	"sociallists/riverd/internal/database"
	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/media"
	"sociallists/riverd/internal/process"
	"sociallists/riverd/internal/storage"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file"},
		&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file loaded before reading RIVERD_* variables"},
		&cli.StringFlag{Name: "db", Usage: "SQLite file path or PostgreSQL DSN (env: RIVERD_DB_PATH)"},
		&cli.StringFlag{Name: "db-driver", Usage: "sqlite3 or postgres (env: RIVERD_DB_DRIVER)"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn, error (env: RIVERD_LOG_LEVEL)"},
		&cli.IntFlag{Name: "workers", Usage: "concurrent feed updates, 0 for CPU count (env: RIVERD_WORKER_COUNT)"},
		&cli.StringFlag{Name: "user-agent", Usage: "User-Agent for outgoing requests (env: RIVERD_USER_AGENT)"},
		&cli.BoolFlag{Name: "no-thumbnails", Usage: "skip thumbnail discovery (env: RIVERD_THUMBNAILS=false)"},
	}
}

// loadConfig layers defaults, the TOML file, the environment and explicitly
// set flags, in that order.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg)

	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.IsSet("db-driver") {
		cfg.DBDriver = c.String("db-driver")
	}
	if c.IsSet("log-level") {
		level, err := zerolog.ParseLevel(c.String("log-level"))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.LogLevel = level
	}
	if c.IsSet("workers") {
		cfg.WorkerCount = c.Int("workers")
	}
	if c.IsSet("user-agent") {
		cfg.UserAgent = c.String("user-agent")
	}
	if c.Bool("no-thumbnails") {
		cfg.Thumbnails = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	return cfg, nil
}

func openDB(cfg *config.Config, readOnly bool) (*database.DB, error) {
	dbCfg := database.NewConfig(cfg.DBDriver, cfg.DBPath)
	dbCfg.ReadOnly = readOnly && cfg.DBDriver == database.DriverSQLite

	db, err := database.NewDB(dbCfg)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.DBPath).Msg("Failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newClient(cfg *config.Config) *fetch.Client {
	fc := fetch.DefaultConfig()
	fc.UserAgent = cfg.UserAgent
	fc.Retries = cfg.FetchRetries
	fc.ConnectTimeout = cfg.ConnectTimeout
	fc.Timeout = cfg.RequestTimeout
	fc.MaxBodyBytes = cfg.MaxBodyBytes
	fc.HostRate = cfg.HostRequestsPerSecond
	return fetch.NewClient(fc)
}

func newFinder(cfg *config.Config, client *fetch.Client) (*media.Finder, error) {
	probes, err := media.NewProbeCache(cfg.ProbeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe cache: %w", err)
	}
	return media.NewFinder(client, cfg.ThumbnailSize, probes), nil
}

// newUpdater wires the update pipeline for cfg.
func newUpdater(cfg *config.Config, repo storage.Repository, client *fetch.Client) (*process.Updater, error) {
	if !cfg.Thumbnails {
		return process.NewUpdater(repo, client, nil), nil
	}
	finder, err := newFinder(cfg, client)
	if err != nil {
		return nil, err
	}
	return process.NewUpdater(repo, client, finder), nil
}
