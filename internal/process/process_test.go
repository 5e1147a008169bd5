package process

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/feeds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sociallists/riverd/internal/database"
	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/media"
	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/parse"
	"sociallists/riverd/internal/storage"
)

type feedServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

func newFeedServer(t *testing.T) *feedServer {
	s := &feedServer{handlers: map[string]http.HandlerFunc{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		h, ok := s.handlers[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *feedServer) handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	s.handlers[path] = h
	s.mu.Unlock()
}

func (s *feedServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func rssDocument(t *testing.T, site string, items ...*feeds.Item) string {
	t.Helper()
	f := &feeds.Feed{
		Title:       "Test Feed",
		Link:        &feeds.Link{Href: site},
		Description: "A feed for tests",
		Created:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Items:       items,
	}
	rss, err := f.ToRss()
	require.NoError(t, err)
	return rss
}

func item(id, title string) *feeds.Item {
	return &feeds.Item{
		Id:          id,
		Title:       title,
		Link:        &feeds.Link{Href: "http://site.example/" + id},
		Description: "<p>About " + title + "</p>",
		Created:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func serveRSS(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(doc))
	}
}

func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(database.DriverSQLite, filepath.Join(t.TempDir(), "riverd.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewRepository(db)
}

func testClient() *fetch.Client {
	cfg := fetch.DefaultConfig()
	cfg.Retries = 1
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return fetch.NewClient(cfg)
}

func addFeed(t *testing.T, repo storage.Repository, url string) models.Feed {
	t.Helper()
	f, err := repo.AddFeed(context.Background(), url)
	require.NoError(t, err)
	return *f
}

func saveFeed(t *testing.T, repo storage.Repository, f *models.Feed) {
	t.Helper()
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateFeed(ctx, f))
	require.NoError(t, tx.Commit())
}

func reload(t *testing.T, repo storage.Repository, id int64) models.Feed {
	t.Helper()
	f, err := repo.LoadFeedByID(context.Background(), id)
	require.NoError(t, err)
	return *f
}

func storedUpdates(t *testing.T, repo storage.Repository, feedID int64) []*models.RiverUpdate {
	t.Helper()
	stored, err := repo.LoadRiverUpdates(context.Background(), []int64{feedID}, 0)
	require.NoError(t, err)
	var out []*models.RiverUpdate
	for _, s := range stored {
		u, err := s.Decode()
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func TestUpdateAssignsSequenceIDs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", serveRSS(rssDocument(t, srv.URL, item("a", "A"), item("b", "B"), item("c", "C"))))

	feed := addFeed(t, repo, srv.URL+"/feed")
	feed.NextItemID = 5
	saveFeed(t, repo, &feed)

	u := NewUpdater(repo, testClient(), nil)
	res := u.Update(ctx, feed)

	require.NoError(t, res.Err)
	assert.Equal(t, StateUpdated, res.State)
	assert.Equal(t, 3, res.NewEntries)
	assert.Equal(t, 200, res.Status)

	require.NotNil(t, res.Update)
	ids := []string{}
	for _, it := range res.Update.River.Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"5", "6", "7"}, ids)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, res.Update.History)

	stored := reload(t, repo, feed.ID)
	assert.Equal(t, int64(8), stored.NextItemID)
	assert.Equal(t, "Test Feed", stored.Title.String)
	assert.True(t, stored.LastRetrievedAt.Valid)

	updates := storedUpdates(t, repo, feed.ID)
	require.Len(t, updates, 1)
	assert.Equal(t, "Test Feed", updates[0].FeedTitle)
	assert.Equal(t, srv.URL+"/feed", updates[0].FeedURL)
	require.Len(t, updates[0].Items, 3)
	assert.Equal(t, "About A", updates[0].Items[0].Body)
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 +0000", updates[0].Items[0].PubDate)

	hist, err := repo.LoadHistory(ctx, feed.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, hist)
}

func TestSecondPollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", serveRSS(rssDocument(t, srv.URL, item("a", "A"), item("b", "B"))))

	feed := addFeed(t, repo, srv.URL+"/feed")
	u := NewUpdater(repo, testClient(), nil)

	first := u.Update(ctx, reload(t, repo, feed.ID))
	require.Equal(t, StateUpdated, first.State)

	second := u.Update(ctx, reload(t, repo, feed.ID))
	assert.Equal(t, StateUnchanged, second.State)
	assert.Zero(t, second.NewEntries)
	assert.Len(t, storedUpdates(t, repo, feed.ID), 1)
	assert.Equal(t, int64(2), reload(t, repo, feed.ID).NextItemID)

	// one new entry appears at the top
	srv.handle("/feed", serveRSS(rssDocument(t, srv.URL, item("c", "C"), item("a", "A"), item("b", "B"))))
	third := u.Update(ctx, reload(t, repo, feed.ID))
	assert.Equal(t, StateUpdated, third.State)
	assert.Equal(t, 1, third.NewEntries)
	require.Len(t, third.Update.River.Items, 1)
	assert.Equal(t, "2", third.Update.River.Items[0].ID)
	assert.Equal(t, int64(3), reload(t, repo, feed.ID).NextItemID)
}

func TestConditionalGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	doc := rssDocument(t, srv.URL, item("a", "A"))
	var conditional int
	srv.handle("/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Write([]byte(doc))
	})

	feed := addFeed(t, repo, srv.URL+"/feed")
	u := NewUpdater(repo, testClient(), nil)

	require.Equal(t, StateUpdated, u.Update(ctx, reload(t, repo, feed.ID)).State)
	stored := reload(t, repo, feed.ID)
	assert.Equal(t, `"v1"`, stored.ETag.String)
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", stored.Modified.String)

	res := u.Update(ctx, stored)
	assert.Equal(t, StateUnchanged, res.State)
	assert.Equal(t, http.StatusNotModified, res.Status)
	assert.Equal(t, 1, conditional)

	stored = reload(t, repo, feed.ID)
	assert.Equal(t, `"v1"`, stored.ETag.String, "validators survive a 304")
	assert.Equal(t, http.StatusNotModified, stored.LastStatus)
}

func TestPermanentRedirectRenamesFeed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	doc := rssDocument(t, srv.URL, item("a", "A"))
	var ifNoneMatch []string
	srv.handle("/new", func(w http.ResponseWriter, r *http.Request) {
		ifNoneMatch = append(ifNoneMatch, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v1"`)
		serveRSS(doc)(w, r)
	})

	feed := addFeed(t, repo, srv.URL+"/old")
	u := NewUpdater(repo, testClient(), nil)

	res := u.Update(ctx, feed)
	require.NoError(t, res.Err)
	assert.Equal(t, StateUpdated, res.State)
	assert.Equal(t, srv.URL+"/new", res.NewURL)

	moved, err := repo.LoadFeed(ctx, srv.URL+"/new")
	require.NoError(t, err)
	assert.Equal(t, feed.ID, moved.ID)
	_, err = repo.LoadFeed(ctx, srv.URL+"/old")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	updates := storedUpdates(t, repo, feed.ID)
	require.Len(t, updates, 1)
	assert.Equal(t, srv.URL+"/new", updates[0].FeedURL)

	assert.Equal(t, `"v1"`, moved.ETag.String)

	u.Update(ctx, *moved)
	assert.Equal(t, 1, srv.hitCount("/old"))
	assert.Equal(t, 2, srv.hitCount("/new"))
	assert.Equal(t, []string{"", `"v1"`}, ifNoneMatch)
}

func TestPermanentRedirectToNotModifiedRenamesFeed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	srv.handle("/new", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Errorf("unexpected unconditional request")
	})

	feed := addFeed(t, repo, srv.URL+"/old")
	feed.ETag = models.NullString(`"v1"`)
	saveFeed(t, repo, &feed)

	u := NewUpdater(repo, testClient(), nil)
	res := u.Update(ctx, reload(t, repo, feed.ID))
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
	assert.Equal(t, http.StatusNotModified, res.Status)
	assert.Equal(t, srv.URL+"/new", res.NewURL)

	stored := reload(t, repo, feed.ID)
	assert.Equal(t, srv.URL+"/new", stored.URL)
	assert.Equal(t, `"v1"`, stored.ETag.String)

	u.Update(ctx, stored)
	assert.Equal(t, 1, srv.hitCount("/old"))
	assert.Equal(t, 2, srv.hitCount("/new"))
}

func TestPermanentRedirectToGoneRenamesDeadFeed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	srv.handle("/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	feed := addFeed(t, repo, srv.URL+"/old")
	res := NewUpdater(repo, testClient(), nil).Update(ctx, feed)

	assert.Equal(t, StateDead, res.State)
	assert.Equal(t, srv.URL+"/new", res.NewURL)
	stored := reload(t, repo, feed.ID)
	assert.Equal(t, srv.URL+"/new", stored.URL)
	assert.Equal(t, http.StatusGone, stored.LastStatus)
}

func TestTemporaryRedirectKeepsURL(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	srv.handle("/elsewhere", serveRSS(rssDocument(t, srv.URL, item("a", "A"))))

	feed := addFeed(t, repo, srv.URL+"/feed")
	res := NewUpdater(repo, testClient(), nil).Update(ctx, feed)

	assert.Equal(t, StateUpdated, res.State)
	assert.Empty(t, res.NewURL)
	assert.Equal(t, srv.URL+"/feed", reload(t, repo, feed.ID).URL)
}

func TestRenameConflictMergesRivers(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	srv.handle("/new", serveRSS(rssDocument(t, srv.URL, item("a", "A"))))

	owner := addFeed(t, repo, srv.URL+"/new")
	moved := addFeed(t, repo, srv.URL+"/old")

	onlyOld, err := repo.CreateRiver(ctx, "alice", "only-old", "")
	require.NoError(t, err)
	both, err := repo.CreateRiver(ctx, "alice", "both", "")
	require.NoError(t, err)
	require.NoError(t, repo.AddFeedToRiver(ctx, onlyOld.ID, moved.ID))
	require.NoError(t, repo.AddFeedToRiver(ctx, both.ID, moved.ID))
	require.NoError(t, repo.AddFeedToRiver(ctx, both.ID, owner.ID))

	u := NewUpdater(repo, testClient(), nil)
	res := u.Update(ctx, moved)

	require.NoError(t, res.Err)
	assert.Equal(t, StateRenamed, res.State)
	assert.Equal(t, http.StatusGone, reload(t, repo, moved.ID).LastStatus)
	assert.Empty(t, storedUpdates(t, repo, moved.ID))

	r1, err := repo.LoadRiver(ctx, "alice", "only-old")
	require.NoError(t, err)
	assert.Equal(t, []int64{owner.ID}, r1.FeedIDs)
	r2, err := repo.LoadRiver(ctx, "alice", "both")
	require.NoError(t, err)
	assert.Equal(t, []int64{owner.ID}, r2.FeedIDs)

	later := u.Update(ctx, reload(t, repo, moved.ID))
	assert.Equal(t, StateDead, later.State)
	assert.Equal(t, 1, srv.hitCount("/old"), "dead feeds are not fetched")
}

func TestGoneResponseKillsFeed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	feed := addFeed(t, repo, srv.URL+"/feed")
	u := NewUpdater(repo, testClient(), nil)

	res := u.Update(ctx, feed)
	assert.Equal(t, StateDead, res.State)
	assert.Equal(t, http.StatusGone, reload(t, repo, feed.ID).LastStatus)

	assert.Equal(t, StateDead, u.Update(ctx, reload(t, repo, feed.ID)).State)
	assert.Equal(t, 1, srv.hitCount("/feed"))
}

func TestErrorStatusRecordsStatusOnly(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	feed := addFeed(t, repo, srv.URL+"/feed")
	feed.ETag = models.NullString(`"old"`)
	feed.NextItemID = 4
	saveFeed(t, repo, &feed)

	res := NewUpdater(repo, testClient(), nil).Update(ctx, reload(t, repo, feed.ID))
	assert.Equal(t, StateUnchanged, res.State)

	stored := reload(t, repo, feed.ID)
	assert.Equal(t, http.StatusInternalServerError, stored.LastStatus)
	assert.Equal(t, `"old"`, stored.ETag.String)
	assert.Equal(t, int64(4), stored.NextItemID)
	assert.Equal(t, 1, srv.hitCount("/feed"), "status codes are not retried")
}

func TestParseFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"new"`)
		w.Write([]byte("<html>this is not a feed"))
	})

	feed := addFeed(t, repo, srv.URL+"/feed")
	res := NewUpdater(repo, testClient(), nil).Update(ctx, feed)

	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)

	stored := reload(t, repo, feed.ID)
	assert.Zero(t, stored.LastStatus)
	assert.False(t, stored.ETag.Valid)
	assert.False(t, stored.LastRetrievedAt.Valid)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/feed"
	srv.Close()

	repo := newTestRepo(t)
	feed := addFeed(t, repo, url)
	res := NewUpdater(repo, testClient(), nil).Update(context.Background(), feed)

	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)
}

type panickyFinder struct{}

func (panickyFinder) FindThumbnail(context.Context, parse.Entry) *models.Thumbnail {
	panic("boom")
}

func TestPanicBecomesFailure(t *testing.T) {
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	srv.handle("/feed", serveRSS(rssDocument(t, srv.URL, item("a", "A"))))
	feed := addFeed(t, repo, srv.URL+"/feed")

	res := NewUpdater(repo, testClient(), panickyFinder{}).Update(context.Background(), feed)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorContains(t, res.Err, "boom")
	assert.Zero(t, reload(t, repo, feed.ID).NextItemID)
}

func noisePNG(t *testing.T, w, h int) []byte {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnailsAreStoredAsBlobs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	srv := newFeedServer(t)
	pic := noisePNG(t, 200, 200)
	srv.handle("/pic.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pic)
	})
	withImage := item("a", "A")
	withImage.Description = `<p>Look <img src="` + srv.URL + `/pic.png"></p>`
	srv.handle("/feed", serveRSS(rssDocument(t, srv.URL, withImage)))

	client := testClient()
	probes, err := media.NewProbeCache(16)
	require.NoError(t, err)
	u := NewUpdater(repo, client, media.NewFinder(client, 64, probes))

	feed := addFeed(t, repo, srv.URL+"/feed")
	res := u.Update(ctx, feed)
	require.Equal(t, StateUpdated, res.State)

	updates := storedUpdates(t, repo, feed.ID)
	require.Len(t, updates, 1)
	th := updates[0].Items[0].Thumbnail
	require.NotNil(t, th)
	assert.Len(t, th.Blob, 64)
	assert.Equal(t, 64, th.Width)

	blob, err := repo.GetBlob(ctx, th.Blob)
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	img, err := png.Decode(bytes.NewReader(blob.Data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestBatchRun(t *testing.T) {
	ctx := context.Background()
	srv := newFeedServer(t)
	srv.handle("/one", serveRSS(rssDocument(t, srv.URL, item("a", "A"), item("b", "B"))))
	srv.handle("/two", serveRSS(rssDocument(t, srv.URL, item("c", "C"))))

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL + "/feed"
	closed.Close()

	for _, syncMode := range []bool{false, true} {
		repo := newTestRepo(t)
		addFeed(t, repo, srv.URL+"/one")
		addFeed(t, repo, srv.URL+"/two")
		addFeed(t, repo, closedURL)
		dead := addFeed(t, repo, srv.URL+"/dead")
		dead.LastStatus = http.StatusGone
		saveFeed(t, repo, &dead)

		b := NewBatch(NewUpdater(repo, testClient(), nil), 3)
		b.Sync = syncMode
		var mu sync.Mutex
		var seen []int
		b.Observer = ProgressFunc(func(done, total int, res Result) {
			mu.Lock()
			seen = append(seen, done)
			mu.Unlock()
			assert.Equal(t, 4, total)
		})

		out, err := b.RunAll(ctx, repo)
		require.NoError(t, err)

		s := out.Summary
		assert.Equal(t, 4, s.Processed, "sync=%v", syncMode)
		assert.Equal(t, 2, s.Updated)
		assert.Equal(t, 3, s.NewEntries)
		assert.Equal(t, 1, s.Errors)
		assert.Equal(t, 1, s.Dead)
		assert.NotEmpty(t, s.BatchID)
		assert.Len(t, out.Results, 4)
		assert.Equal(t, []int{1, 2, 3, 4}, seen)
	}
	assert.Zero(t, srv.hitCount("/dead"))
}

func TestBatchCancelled(t *testing.T) {
	repo := newTestRepo(t)
	addFeed(t, repo, "http://127.0.0.1:1/feed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBatch(NewUpdater(repo, testClient(), nil), 1)
	out, err := b.RunAll(ctx, repo)
	require.NoError(t, err)
	assert.Zero(t, out.Summary.Processed)
	assert.Equal(t, 1, out.Summary.Total)
}

func TestSummaryThroughput(t *testing.T) {
	assert.Zero(t, Summary{Processed: 10}.Throughput())
	assert.InDelta(t, 5.0, Summary{Processed: 10, Elapsed: 2 * time.Second}.Throughput(), 0.001)
}

func TestPurgeOldUpdatesDisabled(t *testing.T) {
	n, err := PurgeOldUpdates(context.Background(), newTestRepo(t), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
