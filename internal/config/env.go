package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ApplyEnv overrides cfg with every RIVERD_* variable that is set.
func ApplyEnv(cfg *Config) {
	cfg.FeedsCSVPath = GetEnvString(EnvPrefix+"CSV_PATH", cfg.FeedsCSVPath)
	cfg.DBDriver = GetEnvString(EnvPrefix+"DB_DRIVER", cfg.DBDriver)
	cfg.DBPath = GetEnvString(EnvPrefix+"DB_PATH", cfg.DBPath)
	cfg.ServerHost = GetEnvString(EnvPrefix+"HOST", cfg.ServerHost)
	cfg.ServerPort = GetEnvInt(EnvPrefix+"PORT", cfg.ServerPort)
	cfg.APIKey = GetEnvString(EnvPrefix+"API_KEY", cfg.APIKey)
	cfg.WorkerCount = GetEnvInt(EnvPrefix+"WORKER_COUNT", cfg.WorkerCount)
	cfg.Interval = GetEnvDuration(EnvPrefix+"INTERVAL", cfg.Interval)
	cfg.RetentionDays = GetEnvInt(EnvPrefix+"RETENTION_DAYS", cfg.RetentionDays)
	cfg.RiverLimit = GetEnvInt(EnvPrefix+"RIVER_LIMIT", cfg.RiverLimit)
	cfg.UserAgent = GetEnvString(EnvPrefix+"USER_AGENT", cfg.UserAgent)
	cfg.FetchRetries = GetEnvInt(EnvPrefix+"FETCH_RETRIES", cfg.FetchRetries)
	cfg.ConnectTimeout = GetEnvDuration(EnvPrefix+"CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.RequestTimeout = GetEnvDuration(EnvPrefix+"REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxBodyBytes = int64(GetEnvInt(EnvPrefix+"MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.HostRequestsPerSecond = GetEnvFloat(EnvPrefix+"HOST_RPS", cfg.HostRequestsPerSecond)
	cfg.Thumbnails = GetEnvBool(EnvPrefix+"THUMBNAILS", cfg.Thumbnails)
	cfg.ThumbnailSize = GetEnvInt(EnvPrefix+"THUMBNAIL_SIZE", cfg.ThumbnailSize)
	cfg.ProbeCacheSize = GetEnvInt(EnvPrefix+"PROBE_CACHE_SIZE", cfg.ProbeCacheSize)
	cfg.LogLevel = GetEnvLogLevel(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
}

// GetEnvString retrieves a string from environment variables or returns the default value.
func GetEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer from environment variables or returns the default value.
func GetEnvInt(key string, defaultValue int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

// GetEnvFloat retrieves a float from environment variables or returns the default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}

	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

// GetEnvBool retrieves a boolean from environment variables or returns the default value.
func GetEnvBool(key string, defaultValue bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}

	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

// GetEnvDuration retrieves a duration from environment variables or returns the default value.
// Values with a unit suffix are parsed with time.ParseDuration, bare numbers are minutes.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}

	if strings.ContainsAny(valStr, "hms") {
		val, err := time.ParseDuration(valStr)
		if err != nil {
			return defaultValue
		}
		return val
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return time.Duration(val) * time.Minute
}

// GetEnvLogLevel retrieves a log level from environment variables or returns the default value.
func GetEnvLogLevel(key string, defaultValue zerolog.Level) zerolog.Level {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}

	level, err := zerolog.ParseLevel(valStr)
	if err != nil {
		return defaultValue
	}
	return level
}
