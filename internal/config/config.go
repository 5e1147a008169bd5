package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	// File paths
	FeedsCSVPath string `toml:"feeds_csv"`

	// Database settings
	DBDriver string `toml:"db_driver"`
	DBPath   string `toml:"db_path"` // file path for sqlite3, DSN for postgres

	// Server settings
	ServerHost string `toml:"server_host"`
	ServerPort int    `toml:"server_port"`
	APIKey     string `toml:"api_key"`

	// Processing settings
	WorkerCount   int           `toml:"worker_count"`
	Interval      time.Duration `toml:"interval"`
	RetentionDays int           `toml:"retention_days"`
	RiverLimit    int           `toml:"river_limit"`

	// Fetch settings
	UserAgent             string        `toml:"user_agent"`
	FetchRetries          int           `toml:"fetch_retries"`
	ConnectTimeout        time.Duration `toml:"connect_timeout"`
	RequestTimeout        time.Duration `toml:"request_timeout"`
	MaxBodyBytes          int64         `toml:"max_body_bytes"`
	HostRequestsPerSecond float64       `toml:"host_requests_per_second"`

	// Thumbnail settings
	Thumbnails     bool `toml:"thumbnails"`
	ThumbnailSize  int  `toml:"thumbnail_size"`
	ProbeCacheSize int  `toml:"probe_cache_size"`

	// Log settings
	LogLevel zerolog.Level `toml:"log_level"`
}

// DefaultConfig returns an initial configuration with hardcoded defaults.
func DefaultConfig() *Config {
	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		FeedsCSVPath:          DefaultFeedsCSVPath,
		DBDriver:              DefaultDBDriver,
		DBPath:                DefaultDBPath,
		ServerHost:            DefaultServerHost,
		ServerPort:            DefaultServerPort,
		WorkerCount:           DefaultWorkerCount,
		Interval:              time.Duration(DefaultInterval) * time.Minute,
		RetentionDays:         DefaultRetentionDays,
		RiverLimit:            DefaultRiverLimit,
		UserAgent:             DefaultUserAgent,
		FetchRetries:          DefaultFetchRetries,
		ConnectTimeout:        DefaultConnectTimeout,
		RequestTimeout:        DefaultRequestTimeout,
		MaxBodyBytes:          DefaultMaxBodyBytes,
		HostRequestsPerSecond: DefaultHostRate,
		Thumbnails:            true,
		ThumbnailSize:         DefaultThumbnailSize,
		ProbeCacheSize:        DefaultProbeCacheSize,
		LogLevel:              logLevel,
	}
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite3 or postgres)", c.DBDriver)
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.ThumbnailSize <= 0 {
		return fmt.Errorf("thumbnail size must be positive, got %d", c.ThumbnailSize)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch retries must not be negative, got %d", c.FetchRetries)
	}
	return nil
}
