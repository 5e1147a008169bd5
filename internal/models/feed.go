package models

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

// Feed represents a row in the 'feeds' table
type Feed struct {
	ID              int64          `db:"id"`
	URL             string         `db:"url"`
	ETag            sql.NullString `db:"etag_header"`
	Modified        sql.NullString `db:"modified_header"`
	LastStatus      int            `db:"last_status"`
	Title           sql.NullString `db:"title"`
	SiteURL         sql.NullString `db:"site_url"`
	Description     sql.NullString `db:"description"`
	NextItemID      int64          `db:"next_item_id"`
	LastRetrievedAt sql.NullTime   `db:"last_retrieved_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// NewFeed creates a new Feed with default values
func NewFeed(url string) *Feed {
	now := time.Now().UTC()
	return &Feed{
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDead reports whether the feed answered 410 Gone; dead feeds are never polled again.
func (f *Feed) IsDead() bool {
	return f.LastStatus == http.StatusGone
}

// Reset forgets validators, status and the item counter.
func (f *Feed) Reset() {
	f.ETag = sql.NullString{}
	f.Modified = sql.NullString{}
	f.LastStatus = 0
	f.NextItemID = 0
}

// DisplayTitle is the feed title, falling back to its URL.
func (f *Feed) DisplayTitle() string {
	if f.Title.Valid && f.Title.String != "" {
		return f.Title.String
	}
	return f.URL
}

func (f *Feed) String() string {
	return fmt.Sprintf("%s (etag=%q modified=%q status=%d next=%d)",
		f.URL, f.ETag.String, f.Modified.String, f.LastStatus, f.NextItemID)
}

// NullString wraps s, treating the empty string as NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
