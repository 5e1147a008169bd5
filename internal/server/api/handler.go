// Package api implements the read-only JSON, RSS and blob endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/feeds"
	"github.com/rs/zerolog/hlog"

	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/river"
	"sociallists/riverd/internal/server/pagination"
	"sociallists/riverd/internal/storage"
)

const defaultLimit = 20
const maxLimit = 200

// BlobPath is the route prefix thumbnails are served from.
const BlobPath = "/api/v1/blobs/"

// UpdatesResponse is one page of a feed's river updates.
type UpdatesResponse struct {
	Updates    []StoredUpdate `json:"updates"`
	NextCursor *string        `json:"next_cursor,omitempty"`
}

// StoredUpdate is a river update with its storage position.
type StoredUpdate struct {
	ID         int64              `json:"id"`
	UpdateTime time.Time          `json:"update_time"`
	Update     models.RiverUpdate `json:"update"`
}

// RiverHandler serves rivers, feed update history and blobs.
type RiverHandler struct {
	repo       storage.Repository
	riverLimit int
	now        func() time.Time
}

// NewRiverHandler creates a handler; riverLimit caps the updates in a river document.
func NewRiverHandler(repo storage.Repository, riverLimit int) *RiverHandler {
	return &RiverHandler{repo: repo, riverLimit: riverLimit, now: time.Now}
}

func blobURL(hash string) string {
	return BlobPath + hash
}

func (h *RiverHandler) aggregate(r *http.Request) (*models.River, *models.RiverDocument, error) {
	rv, err := h.repo.LoadRiver(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "name"))
	if err != nil {
		return nil, nil, err
	}
	stored, err := h.repo.LoadRiverUpdates(r.Context(), rv.FeedIDs, h.riverLimit)
	if err != nil {
		return nil, nil, err
	}
	return rv, river.Aggregate(stored, rv.Mode.String, h.riverLimit, h.now(), blobURL), nil
}

// GetRiver serves the river.js document of a river.
func (h *RiverHandler) GetRiver(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	_, doc, err := h.aggregate(r)
	if err != nil {
		storageError(w, r, err)
		return
	}
	log.Debug().Int("updates", len(doc.UpdatedFeeds.UpdatedFeed)).Msg("Aggregated river")
	writeJSON(w, r, doc)
}

// GetRiverRSS serves a river as an RSS 2.0 feed.
func (h *RiverHandler) GetRiverRSS(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	rv, doc, err := h.aggregate(r)
	if err != nil {
		storageError(w, r, err)
		return
	}

	out := &feeds.Feed{
		Title:       fmt.Sprintf("%s/%s", rv.UserID, rv.Name),
		Link:        &feeds.Link{Href: r.URL.Path},
		Description: fmt.Sprintf("River %s of %s", rv.Name, rv.UserID),
		Updated:     h.now().UTC(),
	}
	for _, u := range doc.UpdatedFeeds.UpdatedFeed {
		for _, it := range u.Items {
			out.Items = append(out.Items, rssItem(u, it))
		}
	}

	rss, err := out.ToRss()
	if err != nil {
		log.Error().Err(err).Msg("Error rendering RSS")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if _, err := w.Write([]byte(rss)); err != nil {
		log.Error().Err(err).Msg("Error writing RSS response body to client")
	}
}

func rssItem(u models.RiverUpdate, it models.RiverItem) *feeds.Item {
	item := &feeds.Item{
		Title:       it.Title,
		Link:        &feeds.Link{Href: it.Link},
		Source:      &feeds.Link{Href: u.FeedURL},
		Description: it.Body,
		Id:          it.PermaLink,
	}
	if item.Id == "" {
		item.Id = u.FeedURL + "#" + it.ID
	}
	if t, err := time.Parse(time.RFC1123Z, it.PubDate); err == nil {
		item.Created = t
	}
	if th := it.Thumbnail; th != nil && th.URL != "" {
		item.Enclosure = &feeds.Enclosure{Url: th.URL, Type: "image/png", Length: "0"}
	}
	return item
}

// GetFeedUpdates pages through one feed's stored updates, newest first.
func (h *RiverHandler) GetFeedUpdates(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	ctx := r.Context()

	feedID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid feed id", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	limit := defaultLimit
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxLimit {
			log.Warn().Err(err).Str("limit", s).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	var cursor *storage.UpdateCursor
	if s := query.Get("cursor"); s != "" {
		cursor, err = pagination.DecodeCursor(s)
		if err != nil {
			log.Warn().Err(err).Str("cursor", s).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
	}

	if _, err := h.repo.LoadFeedByID(ctx, feedID); err != nil {
		storageError(w, r, err)
		return
	}

	stored, err := h.repo.LoadFeedUpdatesPage(ctx, feedID, limit+1, cursor) // one extra to detect a next page
	if err != nil {
		storageError(w, r, err)
		return
	}

	var next *string
	if len(stored) > limit {
		stored = stored[:limit]
		last := stored[len(stored)-1]
		c := pagination.EncodeCursor(storage.UpdateCursor{UpdateTime: last.UpdateTime, ID: last.ID})
		next = &c
	}

	resp := UpdatesResponse{Updates: make([]StoredUpdate, 0, len(stored)), NextCursor: next}
	for _, s := range stored {
		u, err := s.Decode()
		if err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable river update")
			continue
		}
		for i := range u.Items {
			if th := u.Items[i].Thumbnail; th != nil && th.Blob != "" {
				th.URL = blobURL(th.Blob)
			}
		}
		resp.Updates = append(resp.Updates, StoredUpdate{ID: s.ID, UpdateTime: s.UpdateTime.UTC(), Update: *u})
	}
	writeJSON(w, r, resp)
}

// GetBlob serves a stored thumbnail by hash.
func (h *RiverHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := h.repo.GetBlob(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		storageError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(blob.Data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Error writing blob to client")
	}
}

func storageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("Error reading from repository")
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	log := hlog.FromRequest(r)

	jsonBytes, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(jsonBytes); err != nil {
		// status already sent
		log.Error().Err(err).Msg("Error writing JSON response body to client")
	}
	log.Debug().Int("bytes_written", len(jsonBytes)).Msg("Response completed")
}
