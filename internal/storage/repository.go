// Package storage persists feeds, rivers, river updates and blobs.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"sociallists/riverd/internal/database"
	"sociallists/riverd/internal/models"
)

// ErrNotFound is returned when a looked up row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the read side and transaction factory used by the update
// pipeline, the CLI and the API.
type Repository interface {
	LoadFeed(ctx context.Context, url string) (*models.Feed, error)
	LoadFeedByID(ctx context.Context, id int64) (*models.Feed, error)
	LoadAllFeeds(ctx context.Context) ([]models.Feed, error)
	LoadFeeds(ctx context.Context, filter FeedFilter) ([]models.Feed, error)
	AddFeed(ctx context.Context, url string) (*models.Feed, error)
	LoadHistory(ctx context.Context, feedID int64) ([]string, error)
	ResetFeed(ctx context.Context, feedID int64) error

	CreateRiver(ctx context.Context, userID, name, mode string) (*models.River, error)
	LoadRiver(ctx context.Context, userID, name string) (*models.River, error)
	LoadRivers(ctx context.Context, userID string) ([]models.River, error)
	AddFeedToRiver(ctx context.Context, riverID, feedID int64) error

	LoadRiverUpdates(ctx context.Context, feedIDs []int64, limit int) ([]models.StoredRiverUpdate, error)
	LoadFeedUpdatesPage(ctx context.Context, feedID int64, limit int, cursor *UpdateCursor) ([]models.StoredRiverUpdate, error)
	PurgeRiverUpdates(ctx context.Context, before time.Time) (int64, error)
	GetBlob(ctx context.Context, hash string) (*models.Blob, error)

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a write transaction. Rollback after Commit is a no-op.
type Tx interface {
	LoadFeed(ctx context.Context, url string) (*models.Feed, error)
	UpdateFeed(ctx context.Context, feed *models.Feed) error
	StoreHistory(ctx context.Context, feedID int64, ids []string) error
	StoreRiverUpdate(ctx context.Context, feedID int64, when time.Time, update *models.RiverUpdate) (int64, error)
	StoreBlob(ctx context.Context, contentType string, data []byte) (*models.Blob, error)
	RiversReferencing(ctx context.Context, feedID int64) ([]models.River, error)
	AddRiverFeed(ctx context.Context, riverID, feedID int64) error
	RemoveRiverFeed(ctx context.Context, riverID, feedID int64) error
	Commit() error
	Rollback() error
}

// FeedFilter narrows LoadFeeds.
type FeedFilter struct {
	ActiveOnly bool // skip feeds that answered 410
	RiverID    int64
	Limit      int
}

// UpdateCursor points just past a river update in newest-first order.
type UpdateCursor struct {
	UpdateTime time.Time
	ID         int64
}

// sqlxRepository implements Repository using sqlx.
type sqlxRepository struct {
	db     *database.DB
	flavor sqlbuilder.Flavor
}

// NewRepository creates a new repository instance.
func NewRepository(db *database.DB) Repository {
	return &sqlxRepository{db: db, flavor: db.Flavor()}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func (r *sqlxRepository) LoadFeed(ctx context.Context, url string) (*models.Feed, error) {
	return loadFeed(ctx, r.db.DB, url)
}

func (r *sqlxRepository) LoadFeedByID(ctx context.Context, id int64) (*models.Feed, error) {
	var f models.Feed
	if err := r.db.GetContext(ctx, &f, r.db.Rebind("SELECT * FROM feeds WHERE id = ?"), id); err != nil {
		return nil, notFound(err, fmt.Sprintf("feed %d", id))
	}
	return &f, nil
}

func (r *sqlxRepository) LoadAllFeeds(ctx context.Context) ([]models.Feed, error) {
	return r.LoadFeeds(ctx, FeedFilter{})
}

func (r *sqlxRepository) LoadFeeds(ctx context.Context, filter FeedFilter) ([]models.Feed, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select("feeds.*").From("feeds")
	if filter.RiverID > 0 {
		sb.Join("river_feeds", "river_feeds.feed_id = feeds.id")
		sb.Where(sb.Equal("river_feeds.river_id", filter.RiverID))
	}
	if filter.ActiveOnly {
		sb.Where(sb.NotEqual("feeds.last_status", 410))
	}
	sb.OrderBy("feeds.last_retrieved_at ASC", "feeds.id ASC")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	feeds := []models.Feed{}
	if err := r.db.SelectContext(ctx, &feeds, query, args...); err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	return feeds, nil
}

func (r *sqlxRepository) AddFeed(ctx context.Context, url string) (*models.Feed, error) {
	feed := models.NewFeed(url)
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO feeds (url, last_status, next_item_id, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`), url, feed.CreatedAt, feed.UpdatedAt).Scan(&feed.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// already subscribed
		return r.LoadFeed(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("add feed %s: %w", url, err)
	}
	return feed, nil
}

func (r *sqlxRepository) LoadHistory(ctx context.Context, feedID int64) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind("SELECT entry_id FROM feed_history WHERE feed_id = ?"), feedID)
	if err != nil {
		return nil, fmt.Errorf("load history of feed %d: %w", feedID, err)
	}
	return ids, nil
}

// ResetFeed clears history, validators, status, counter and stored river
// updates of a feed in one transaction.
func (r *sqlxRepository) ResetFeed(ctx context.Context, feedID int64) error {
	tx, err := r.beginx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM feed_history WHERE feed_id = ?",
		"DELETE FROM river_updates WHERE feed_id = ?",
		`UPDATE feeds SET etag_header = NULL, modified_header = NULL, last_status = 0, next_item_id = 0
		 WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), feedID); err != nil {
			return fmt.Errorf("reset feed %d: %w", feedID, err)
		}
	}
	return tx.Commit()
}

func (r *sqlxRepository) CreateRiver(ctx context.Context, userID, name, mode string) (*models.River, error) {
	river := &models.River{UserID: userID, Name: name, Mode: models.NullString(mode), CreatedAt: time.Now().UTC()}
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO rivers (user_id, name, mode, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, name) DO NOTHING
		RETURNING id`), userID, name, river.Mode, river.CreatedAt).Scan(&river.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return r.LoadRiver(ctx, userID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create river %s/%s: %w", userID, name, err)
	}
	return river, nil
}

func (r *sqlxRepository) LoadRiver(ctx context.Context, userID, name string) (*models.River, error) {
	var river models.River
	err := r.db.GetContext(ctx, &river, r.db.Rebind("SELECT * FROM rivers WHERE user_id = ? AND name = ?"), userID, name)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("river %s/%s", userID, name))
	}
	if err := r.db.SelectContext(ctx, &river.FeedIDs,
		r.db.Rebind("SELECT feed_id FROM river_feeds WHERE river_id = ? ORDER BY feed_id"), river.ID); err != nil {
		return nil, fmt.Errorf("load feeds of river %d: %w", river.ID, err)
	}
	return &river, nil
}

func (r *sqlxRepository) LoadRivers(ctx context.Context, userID string) ([]models.River, error) {
	rivers := []models.River{}
	err := r.db.SelectContext(ctx, &rivers, r.db.Rebind("SELECT * FROM rivers WHERE user_id = ? ORDER BY name"), userID)
	if err != nil {
		return nil, fmt.Errorf("load rivers of %s: %w", userID, err)
	}
	return rivers, nil
}

func (r *sqlxRepository) AddFeedToRiver(ctx context.Context, riverID, feedID int64) error {
	return addRiverFeed(ctx, r.db.DB, riverID, feedID)
}

// LoadRiverUpdates returns the newest updates of the given feeds.
func (r *sqlxRepository) LoadRiverUpdates(ctx context.Context, feedIDs []int64, limit int) ([]models.StoredRiverUpdate, error) {
	updates := []models.StoredRiverUpdate{}
	if len(feedIDs) == 0 {
		return updates, nil
	}

	sb := r.flavor.NewSelectBuilder()
	sb.Select("id", "feed_id", "update_time", "data").
		From("river_updates").
		Where(sb.In("feed_id", lo.ToAnySlice(feedIDs)...)).
		OrderBy("update_time DESC", "id DESC")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	if err := r.db.SelectContext(ctx, &updates, query, args...); err != nil {
		return nil, fmt.Errorf("load river updates: %w", err)
	}
	return updates, nil
}

// LoadFeedUpdatesPage pages through the updates of one feed, newest first.
func (r *sqlxRepository) LoadFeedUpdatesPage(ctx context.Context, feedID int64, limit int, cursor *UpdateCursor) ([]models.StoredRiverUpdate, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select("id", "feed_id", "update_time", "data").
		From("river_updates").
		Where(sb.Equal("feed_id", feedID))
	if cursor != nil {
		sb.Where(sb.Or(
			sb.LessThan("update_time", cursor.UpdateTime.UTC()),
			sb.And(sb.Equal("update_time", cursor.UpdateTime.UTC()), sb.LessThan("id", cursor.ID)),
		))
	}
	sb.OrderBy("update_time DESC", "id DESC").Limit(limit)

	query, args := sb.Build()
	updates := []models.StoredRiverUpdate{}
	if err := r.db.SelectContext(ctx, &updates, query, args...); err != nil {
		return nil, fmt.Errorf("load updates of feed %d: %w", feedID, err)
	}
	return updates, nil
}

// PurgeRiverUpdates deletes river updates stored before the cutoff. History
// is kept, so purged entries never come back.
func (r *sqlxRepository) PurgeRiverUpdates(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM river_updates WHERE update_time < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge river updates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		log.Warn().Err(err).Msg("Could not get RowsAffected after purging river_updates")
		return 0, nil
	}
	return n, nil
}

func (r *sqlxRepository) GetBlob(ctx context.Context, hash string) (*models.Blob, error) {
	var b models.Blob
	if err := r.db.GetContext(ctx, &b, r.db.Rebind("SELECT * FROM blobs WHERE hash = ?"), hash); err != nil {
		return nil, notFound(err, "blob "+hash)
	}
	return &b, nil
}

// Begin starts a write transaction, retrying while SQLite reports the
// database busy.
func (r *sqlxRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.beginx(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlxTx{tx: tx}, nil
}

func (r *sqlxRepository) beginx(ctx context.Context) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	op := func() error {
		var err error
		tx, err = r.db.BeginTxx(ctx, nil)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// sqlxTx implements Tx.
type sqlxTx struct {
	tx *sqlx.Tx
}

func (t *sqlxTx) LoadFeed(ctx context.Context, url string) (*models.Feed, error) {
	return loadFeed(ctx, t.tx, url)
}

// UpdateFeed writes every mutable column of feed.
func (t *sqlxTx) UpdateFeed(ctx context.Context, feed *models.Feed) error {
	feed.UpdatedAt = time.Now().UTC()
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE feeds SET
			url = :url,
			etag_header = :etag_header,
			modified_header = :modified_header,
			last_status = :last_status,
			title = :title,
			site_url = :site_url,
			description = :description,
			next_item_id = :next_item_id,
			last_retrieved_at = :last_retrieved_at,
			updated_at = :updated_at
		WHERE id = :id`, feed)
	if err != nil {
		return fmt.Errorf("update feed %d: %w", feed.ID, err)
	}
	return nil
}

// StoreHistory adds ids to the feed's history; ids already present are kept.
func (t *sqlxTx) StoreHistory(ctx context.Context, feedID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	stmt, err := t.tx.PreparexContext(ctx, t.tx.Rebind(
		"INSERT INTO feed_history (feed_id, entry_id) VALUES (?, ?) ON CONFLICT (feed_id, entry_id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, feedID, id); err != nil {
			return fmt.Errorf("store history of feed %d: %w", feedID, err)
		}
	}
	return nil
}

func (t *sqlxTx) StoreRiverUpdate(ctx context.Context, feedID int64, when time.Time, update *models.RiverUpdate) (int64, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return 0, fmt.Errorf("encode river update: %w", err)
	}
	var id int64
	err = t.tx.QueryRowxContext(ctx, t.tx.Rebind(
		"INSERT INTO river_updates (feed_id, update_time, data) VALUES (?, ?, ?) RETURNING id"),
		feedID, when.UTC(), string(data)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store river update of feed %d: %w", feedID, err)
	}
	return id, nil
}

// StoreBlob saves data under its SHA-256 hex hash. Storing the same bytes
// twice keeps one row.
func (t *sqlxTx) StoreBlob(ctx context.Context, contentType string, data []byte) (*models.Blob, error) {
	sum := sha256.Sum256(data)
	blob := &models.Blob{
		Hash:        hex.EncodeToString(sum[:]),
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(`
		INSERT INTO blobs (hash, content_type, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET content_type = excluded.content_type
		RETURNING id`), blob.Hash, blob.ContentType, blob.Data, blob.CreatedAt).Scan(&blob.ID)
	if err != nil {
		return nil, fmt.Errorf("store blob %s: %w", blob.Hash, err)
	}
	return blob, nil
}

// RiversReferencing returns the rivers containing feedID, with their full
// membership loaded.
func (t *sqlxTx) RiversReferencing(ctx context.Context, feedID int64) ([]models.River, error) {
	rivers := []models.River{}
	err := t.tx.SelectContext(ctx, &rivers, t.tx.Rebind(`
		SELECT rivers.* FROM rivers
		JOIN river_feeds ON river_feeds.river_id = rivers.id
		WHERE river_feeds.feed_id = ?
		ORDER BY rivers.id`), feedID)
	if err != nil {
		return nil, fmt.Errorf("load rivers of feed %d: %w", feedID, err)
	}
	for i := range rivers {
		if err := t.tx.SelectContext(ctx, &rivers[i].FeedIDs,
			t.tx.Rebind("SELECT feed_id FROM river_feeds WHERE river_id = ? ORDER BY feed_id"), rivers[i].ID); err != nil {
			return nil, fmt.Errorf("load feeds of river %d: %w", rivers[i].ID, err)
		}
	}
	return rivers, nil
}

func (t *sqlxTx) AddRiverFeed(ctx context.Context, riverID, feedID int64) error {
	return addRiverFeed(ctx, t.tx, riverID, feedID)
}

func (t *sqlxTx) RemoveRiverFeed(ctx context.Context, riverID, feedID int64) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind("DELETE FROM river_feeds WHERE river_id = ? AND feed_id = ?"), riverID, feedID)
	if err != nil {
		return fmt.Errorf("remove feed %d from river %d: %w", feedID, riverID, err)
	}
	return nil
}

func (t *sqlxTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqlxTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func loadFeed(ctx context.Context, q sqlx.ExtContext, url string) (*models.Feed, error) {
	var f models.Feed
	if err := sqlx.GetContext(ctx, q, &f, q.Rebind("SELECT * FROM feeds WHERE url = ?"), url); err != nil {
		return nil, notFound(err, "feed "+url)
	}
	return &f, nil
}

func addRiverFeed(ctx context.Context, e sqlx.ExtContext, riverID, feedID int64) error {
	_, err := e.ExecContext(ctx, e.Rebind(
		"INSERT INTO river_feeds (river_id, feed_id) VALUES (?, ?) ON CONFLICT (river_id, feed_id) DO NOTHING"), riverID, feedID)
	if err != nil {
		return fmt.Errorf("add feed %d to river %d: %w", feedID, riverID, err)
	}
	return nil
}
