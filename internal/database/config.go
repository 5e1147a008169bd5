package database

import "time"

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultMaxIdleConns    = 12
	defaultMaxOpenConns    = 12
	defaultConnMaxLifetime = time.Hour
)

// Config holds database configuration settings
type Config struct {
	// Required settings
	Driver string
	DBPath string // file path for sqlite3, DSN for postgres

	// Optional settings (will use defaults if not set)
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	CacheSizeKB     int
	BusyTimeoutMS   int
	ReadOnly        bool
	SkipMigrations  bool
}

// NewConfig creates a new database configuration with default values
func NewConfig(driver, dbPath string) *Config {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Config{
		Driver:          driver,
		DBPath:          dbPath,
		ConnMaxLifetime: defaultConnMaxLifetime,
		CacheSizeKB:     -64000, // 64MB
		BusyTimeoutMS:   5000,
	}
}
