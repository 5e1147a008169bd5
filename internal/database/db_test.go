package database

import (
	"path/filepath"
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "riverd.db")
	db, err := NewDB(NewConfig(DriverSQLite, path))
	require.NoError(t, err)
	defer db.Close()

	var tables []string
	require.NoError(t, db.Select(&tables, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"))
	for _, name := range []string{"blobs", "feed_history", "feeds", "river_feeds", "river_updates", "rivers", "schema_migrations"} {
		assert.Contains(t, tables, name)
	}
	assert.Equal(t, sqlbuilder.SQLite, db.Flavor())

	// second open is a no-op for migrations
	db2, err := NewDB(NewConfig(DriverSQLite, path))
	require.NoError(t, err)
	db2.Close()
}

func TestRollback(t *testing.T) {
	db, err := NewDB(NewConfig(DriverSQLite, filepath.Join(t.TempDir(), "riverd.db")))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Rollback(1))

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'feeds'"))
	assert.Zero(t, count)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewDB(NewConfig("mysql", "x"))
	assert.Error(t, err)
}
