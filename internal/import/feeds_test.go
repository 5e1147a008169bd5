package importfeeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sociallists/riverd/internal/database"
	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/storage"
)

func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(database.DriverSQLite, filepath.Join(t.TempDir(), "riverd.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewRepository(db)
}

const subscriptions = `URL, user, river
http://a.example/feed,alice,news
http://b.example/feed,alice,
http://a.example/feed,bob,tech
,alice,news
http://c.example/feed
`

func TestImportLocalFile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	path := filepath.Join(t.TempDir(), "feeds.csv")
	require.NoError(t, os.WriteFile(path, []byte(subscriptions), 0o644))

	report, err := NewImporter(repo, nil).ImportFeeds(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Rows)
	assert.Equal(t, 4, report.Imported)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "line 5")

	feeds, err := repo.LoadAllFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 3)

	a, err := repo.LoadFeed(ctx, "http://a.example/feed")
	require.NoError(t, err)
	b, err := repo.LoadFeed(ctx, "http://b.example/feed")
	require.NoError(t, err)

	news, err := repo.LoadRiver(ctx, "alice", "news")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, news.FeedIDs)

	fallback, err := repo.LoadRiver(ctx, "alice", DefaultRiver)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, fallback.FeedIDs)

	tech, err := repo.LoadRiver(ctx, "bob", "tech")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, tech.FeedIDs)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	path := filepath.Join(t.TempDir(), "feeds.csv")
	require.NoError(t, os.WriteFile(path, []byte(subscriptions), 0o644))

	imp := NewImporter(repo, nil)
	_, err := imp.ImportFeeds(ctx, path)
	require.NoError(t, err)
	report, err := imp.ImportFeeds(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Imported)

	feeds, err := repo.LoadAllFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 3)
}

func TestImportRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feeds.csv" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("url\nhttp://a.example/feed\n"))
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	imp := NewImporter(repo, fetch.NewClient(fetch.DefaultConfig()))

	report, err := imp.ImportFeeds(context.Background(), srv.URL+"/feeds.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)

	_, err = imp.ImportFeeds(context.Background(), srv.URL+"/missing.csv")
	assert.ErrorContains(t, err, "HTTP status 404")
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	imp := NewImporter(repo, nil)

	_, err := imp.ImportFeeds(ctx, filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("link,user\nhttp://a.example/feed,alice\n"), 0o644))
	_, err = imp.ImportFeeds(ctx, path)
	assert.ErrorContains(t, err, "'url'")

	_, err = imp.ImportFeeds(ctx, "https://example.com/feeds.csv")
	assert.ErrorContains(t, err, "no HTTP client")
}
