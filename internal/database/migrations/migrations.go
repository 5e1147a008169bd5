package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// ForDriver returns the embedded migrations written for the given SQL dialect.
func ForDriver(driver string) ([]Migration, error) {
	switch driver {
	case "sqlite3":
		return LoadMigrations(files, "sqlite")
	case "postgres":
		return LoadMigrations(files, "postgres")
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}

// LoadMigrations loads all NNNN_name.{up,down}.sql files found in dir of fsys.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		var version int
		var rest string
		if _, err := fmt.Sscanf(name, "%d_%s", &version, &rest); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Skipping invalid migration file")
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			m.Name = strings.TrimSuffix(rest, ".up.sql")
			m.Up = string(content)
		case strings.HasSuffix(rest, ".down.sql"):
			m.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	log.Debug().
		Int("count", len(migrations)).
		Str("dir", dir).
		Msg("Loaded migrations")

	return migrations, nil
}

// RunMigrations executes all pending migrations, each in its own transaction.
func RunMigrations(db *sqlx.DB, migrations []Migration) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			log.Debug().
				Int("version", migration.Version).
				Msg("Migration already applied, skipping")
			continue
		}
		if strings.TrimSpace(migration.Up) == "" {
			return fmt.Errorf("migration %d has no up script", migration.Version)
		}

		log.Info().
			Int("version", migration.Version).
			Str("name", migration.Name).
			Msg("Running migration")

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(db.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info().
			Int("version", migration.Version).
			Msg("Migration completed successfully")
	}

	return nil
}

// RollbackMigrations rolls back the last n applied migrations, newest first.
func RollbackMigrations(db *sqlx.DB, migrations []Migration, n int) error {
	if n <= 0 {
		return nil
	}

	var versions []int
	err := db.Select(&versions, db.Rebind("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT ?"), n)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}

	byVersion := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	for _, version := range versions {
		migration, ok := byVersion[version]
		if !ok || migration.Down == "" {
			log.Warn().
				Int("version", version).
				Msg("No down migration found, skipping")
			continue
		}

		log.Info().
			Int("version", version).
			Msg("Rolling back migration")

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute rollback for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(db.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to remove migration record %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rollback for migration %d: %w", version, err)
		}

		log.Info().
			Int("version", version).
			Msg("Rollback completed successfully")
	}

	return nil
}

func appliedVersions(db *sqlx.DB) (map[int]bool, error) {
	var versions []int
	if err := db.Select(&versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
