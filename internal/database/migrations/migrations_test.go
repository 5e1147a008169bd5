package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsGroupsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_more.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"m/0001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"m/0001_init.down.sql": {Data: []byte("DROP TABLE a;")},
		"m/README.md":          {Data: []byte("ignored")},
		"m/bogus.sql":          {Data: []byte("ignored")},
	}

	ms, err := LoadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "init", ms[0].Name)
	assert.Equal(t, "DROP TABLE a;", ms[0].Down)
	assert.Equal(t, 2, ms[1].Version)
	assert.Empty(t, ms[1].Down)
}

func TestForDriver(t *testing.T) {
	for _, driver := range []string{"sqlite3", "postgres"} {
		ms, err := ForDriver(driver)
		require.NoError(t, err, driver)
		require.NotEmpty(t, ms, driver)
		assert.NotEmpty(t, ms[0].Up)
		assert.NotEmpty(t, ms[0].Down)
	}

	_, err := ForDriver("mysql")
	assert.Error(t, err)
}
