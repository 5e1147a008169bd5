package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/database/migrations"
)

// DB represents the database connection
type DB struct {
	*sqlx.DB
	Driver string
}

// NewDB opens the database, applies connection settings and runs pending migrations.
func NewDB(cfg *Config) (*DB, error) {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres:
		log.Info().Msg("Opening PostgreSQL database")
		db, err = sqlx.Open(DriverPostgres, cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db (%s): %w", modeStr(cfg.ReadOnly), err)
	}

	if !cfg.ReadOnly && !cfg.SkipMigrations {
		log.Info().Msg("Running database migrations...")
		migrationFiles, err := migrations.ForDriver(cfg.Driver)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load migrations: %w", err)
		}

		if err := migrations.RunMigrations(db, migrationFiles); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed successfully")
	}

	log.Info().Str("driver", cfg.Driver).Str("mode", modeStr(cfg.ReadOnly)).Msg("Database connection successful")
	return &DB{DB: db, Driver: cfg.Driver}, nil
}

func openSQLite(cfg *Config) (*sqlx.DB, error) {
	dir := filepath.Dir(cfg.DBPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	// WAL allows concurrent reads while a writer holds the lock. Write
	// transactions take the lock at BEGIN so they never fail on upgrade.
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=1&_cache_size=%d",
		cfg.DBPath, cfg.BusyTimeoutMS, cfg.CacheSizeKB)

	if cfg.ReadOnly {
		dsn += "&mode=ro"
		log.Info().Str("path", cfg.DBPath).Msg("Opening database in Read-Only mode (from config)")
	} else {
		log.Info().Str("path", cfg.DBPath).Msg("Opening database in Read-Write mode (from config)")
	}

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA temp_store = MEMORY;"); err != nil {
		log.Warn().Err(err).Str("mode", modeStr(cfg.ReadOnly)).Msg("Failed to set PRAGMA")
	}
	return db, nil
}

// Helper for logging
func modeStr(readOnly bool) string {
	if readOnly {
		return "read-only"
	}
	return "read-write"
}

// Flavor returns the SQL builder flavor matching the driver.
func (db *DB) Flavor() sqlbuilder.Flavor {
	if db.Driver == DriverPostgres {
		return sqlbuilder.PostgreSQL
	}
	return sqlbuilder.SQLite
}

// Rollback reverts the last steps applied migrations.
func (db *DB) Rollback(steps int) error {
	migrationFiles, err := migrations.ForDriver(db.Driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	return migrations.RollbackMigrations(db.DB, migrationFiles, steps)
}

// DeleteDB removes the database file if it exists
func DeleteDB(dbPath string) error {
	if _, err := os.Stat(dbPath); err == nil {
		return os.Remove(dbPath)
	}
	return nil
}
