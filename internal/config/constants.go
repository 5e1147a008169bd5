package config

import "time"

// Constants defining default values for application configuration
const (
	DefaultFeedsCSVPath = "./subscriptions.csv"
	DefaultDBDriver     = "sqlite3"
	DefaultDBPath       = "./riverd.db"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultWorkerCount   = 0  // 0 means use runtime.NumCPU()
	DefaultInterval      = 15 // Minutes between processing runs
	DefaultRetentionDays = 0  // 0 keeps river updates forever

	DefaultUserAgent      = "riverd/1.0 (+https://github.com/sociallists/riverd)"
	DefaultFetchRetries   = 3
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 << 20
	DefaultHostRate       = 0 // requests per second per host, 0 disables pacing

	DefaultThumbnailSize  = 400
	DefaultProbeCacheSize = 4096
	DefaultRiverLimit     = 30

	DefaultLogLevel = "info"

	EnvPrefix = "RIVERD_"
)
