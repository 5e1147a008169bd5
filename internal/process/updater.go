package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/history"
	"sociallists/riverd/internal/metrics"
	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/parse"
	"sociallists/riverd/internal/river"
	"sociallists/riverd/internal/storage"
)

// State is where a feed update run ended up.
type State string

const (
	StateCreated   State = "Created"
	StateFetching  State = "Fetching"
	StateRenamed   State = "Renamed"
	StateDead      State = "Dead"
	StateUnchanged State = "Unchanged"
	StateUpdated   State = "Updated"
	StateFailed    State = "Failed"
)

// Fetcher is the HTTP access the updater needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error)
	Head(ctx context.Context, rawURL string) (int, error)
}

// ThumbnailFinder finds a thumbnail for an entry, or nil.
type ThumbnailFinder interface {
	FindThumbnail(ctx context.Context, e parse.Entry) *models.Thumbnail
}

// FeedUpdate is everything learned from one poll, computed before anything
// is written.
type FeedUpdate struct {
	Feed    *parse.Feed
	River   models.RiverUpdate
	History []string // history after the poll
	Time    time.Time

	added []string
}

// Result describes one feed update run.
type Result struct {
	FeedID     int64
	URL        string
	NewURL     string
	State      State
	Status     int
	Entries    int
	NewEntries int
	Update     *FeedUpdate
	Err        error
	Duration   time.Duration
}

// Updater runs the fetch, diff, enrich and persist pipeline for single
// feeds. It is safe for concurrent use on different feeds.
type Updater struct {
	repo    storage.Repository
	client  Fetcher
	builder *river.Builder
	thumbs  ThumbnailFinder
	now     func() time.Time
}

// NewUpdater wires an Updater. thumbs may be nil to skip thumbnails.
func NewUpdater(repo storage.Repository, client Fetcher, thumbs ThumbnailFinder) *Updater {
	return &Updater{
		repo:    repo,
		client:  client,
		builder: river.NewBuilder(client),
		thumbs:  thumbs,
		now:     time.Now,
	}
}

// Update polls one feed. It never returns an error: failures end in
// StateFailed with Result.Err set, and nothing is written.
func (u *Updater) Update(ctx context.Context, feed models.Feed) (res Result) {
	start := time.Now()
	logger := log.With().Int64("feed_id", feed.ID).Str("url", feed.URL).Logger()
	res = Result{FeedID: feed.ID, URL: feed.URL, State: StateCreated}

	defer func() {
		if r := recover(); r != nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("panic: %v", r)
			logger.Error().Interface("panic", r).Msg("Feed update panicked")
		}
		res.Duration = time.Since(start)
		metrics.FeedUpdated(string(res.State), res.Duration, res.NewEntries)
	}()

	if feed.IsDead() {
		logger.Debug().Msg("Skipping feed that answered 410 Gone")
		res.State = StateDead
		res.Status = feed.LastStatus
		return res
	}

	res.State = StateFetching
	if err := u.update(ctx, &feed, &res, logger); err != nil {
		logger.Warn().Err(err).Msg("Error updating feed")
		res.State = StateFailed
		res.Err = err
		return res
	}

	logger.Info().
		Str("state", string(res.State)).
		Int("status", res.Status).
		Int("entries", res.Entries).
		Int("new_entries", res.NewEntries).
		Dur("duration", time.Since(start)).
		Msg("Feed updated")
	return res
}

func (u *Updater) update(ctx context.Context, feed *models.Feed, res *Result, logger zerolog.Logger) error {
	ids, err := u.repo.LoadHistory(ctx, feed.ID)
	if err != nil {
		return err
	}

	upd, err := u.FetchUpdate(ctx, feed, history.NewSet(ids...))
	if err != nil {
		return err
	}
	res.Update = upd
	res.Status = upd.Feed.HTTPStatus
	res.Entries = len(upd.Feed.Entries)

	return u.apply(ctx, feed, upd, res, logger)
}

// FetchUpdate does all network work for one poll: the conditional GET,
// parsing, diffing against seen, permalink checks and thumbnails.
func (u *Updater) FetchUpdate(ctx context.Context, feed *models.Feed, seen history.Set) (*FeedUpdate, error) {
	when := u.now().UTC().Truncate(time.Second)

	header := http.Header{}
	header.Set("If-None-Match", feed.ETag.String)
	header.Set("If-Modified-Since", feed.Modified.String)

	resp, err := u.client.Fetch(ctx, feed.URL, header)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	log.Debug().
		Str("url", feed.URL).
		Str("final_url", resp.URL).
		Int("status", resp.StatusCode).
		Msg("Fetched feed")

	upd := &FeedUpdate{Time: when, History: seen.Sorted()}

	if resp.StatusCode == http.StatusNotModified || resp.StatusCode >= http.StatusBadRequest {
		// keep the previous validators; only the status and URL change
		upd.Feed = &parse.Feed{
			URL:          fetch.CanonicalURL(resp),
			HTTPStatus:   resp.StatusCode,
			ETag:         feed.ETag.String,
			LastModified: feed.Modified.String,
		}
		return upd, nil
	}

	parsed, err := parse.Parse(bytes.NewReader(resp.Body), parse.Meta{
		URL:          fetch.CanonicalURL(resp),
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
	if err != nil {
		return nil, err
	}
	upd.Feed = parsed

	newEntries, allIDs := history.Diff(parsed.Entries, seen)
	upd.added = history.Added(seen, allIDs)
	upd.History = history.Merge(seen, allIDs).Sorted()
	upd.River = u.builder.Update(ctx, parsed, newEntries, feed.NextItemID, when)

	if u.thumbs != nil {
		for i := range upd.River.Items {
			upd.River.Items[i].Thumbnail = u.thumbs.FindThumbnail(ctx, newEntries[i])
		}
	}
	return upd, nil
}

// apply writes upd in a single transaction.
func (u *Updater) apply(ctx context.Context, feed *models.Feed, upd *FeedUpdate, res *Result, logger zerolog.Logger) error {
	tx, err := u.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if upd.Feed.URL != "" && upd.Feed.URL != feed.URL {
		adopted, err := u.rename(ctx, tx, feed, upd.Feed.URL, logger)
		if err != nil {
			return err
		}
		if !adopted {
			feed.LastStatus = http.StatusGone
			if err := tx.UpdateFeed(ctx, feed); err != nil {
				return err
			}
			res.State = StateRenamed
			res.NewURL = upd.Feed.URL
			return tx.Commit()
		}
		res.NewURL = upd.Feed.URL
	}

	if n := len(upd.River.Items); n > 0 {
		for i := range upd.River.Items {
			if err := storeThumbnail(ctx, tx, upd.River.Items[i].Thumbnail); err != nil {
				return err
			}
		}
		if _, err := tx.StoreRiverUpdate(ctx, feed.ID, upd.Time, &upd.River); err != nil {
			return err
		}
		if err := tx.StoreHistory(ctx, feed.ID, upd.added); err != nil {
			return err
		}
		feed.NextItemID += int64(n)
		res.NewEntries = n
		res.State = StateUpdated
	} else {
		res.State = StateUnchanged
	}

	feed.ETag = models.NullString(upd.Feed.ETag)
	feed.Modified = models.NullString(upd.Feed.LastModified)
	feed.LastStatus = upd.Feed.HTTPStatus
	feed.LastRetrievedAt.Time, feed.LastRetrievedAt.Valid = upd.Time, true
	if upd.Feed.HTTPStatus < http.StatusMultipleChoices {
		if upd.Feed.Title != "" {
			feed.Title = models.NullString(upd.Feed.Title)
		}
		if upd.Feed.SiteLink != "" {
			feed.SiteURL = models.NullString(upd.Feed.SiteLink)
		}
		if upd.Feed.Description != "" {
			feed.Description = models.NullString(upd.Feed.Description)
		}
	}
	if err := tx.UpdateFeed(ctx, feed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if upd.Feed.HTTPStatus == http.StatusGone {
		res.State = StateDead
	}
	return nil
}

// rename moves feed to newURL when no other feed owns it. Otherwise it merges
// the feed's river memberships onto the owner and reports false.
func (u *Updater) rename(ctx context.Context, tx storage.Tx, feed *models.Feed, newURL string, logger zerolog.Logger) (bool, error) {
	owner, err := tx.LoadFeed(ctx, newURL)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info().Str("new_url", newURL).Msg("Feed permanently moved, adopting new URL")
		feed.URL = newURL
		return true, nil
	}
	if err != nil {
		return false, err
	}

	rivers, err := tx.RiversReferencing(ctx, feed.ID)
	if err != nil {
		return false, err
	}
	plan := PlanFeedMerge(feed.ID, owner.ID, rivers)
	for _, m := range plan.Remove {
		if err := tx.RemoveRiverFeed(ctx, m.RiverID, m.FeedID); err != nil {
			return false, err
		}
	}
	for _, m := range plan.Add {
		if err := tx.AddRiverFeed(ctx, m.RiverID, m.FeedID); err != nil {
			return false, err
		}
	}
	logger.Info().
		Str("new_url", newURL).
		Int64("owner_id", owner.ID).
		Int("rivers", len(plan.Remove)).
		Msg("Feed moved onto an existing feed, merged subscriptions")
	return false, nil
}

func storeThumbnail(ctx context.Context, tx storage.Tx, th *models.Thumbnail) error {
	if th == nil || len(th.Data) == 0 {
		return nil
	}
	blob, err := tx.StoreBlob(ctx, th.ContentType, th.Data)
	if err != nil {
		return err
	}
	th.Blob = blob.Hash
	th.Data = nil
	return nil
}
