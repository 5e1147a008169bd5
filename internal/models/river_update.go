package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Thumbnail is a square PNG representing a river item. Data holds the image
// until it is persisted; afterwards Blob holds its content hash.
type Thumbnail struct {
	Data        []byte `json:"-"`
	ContentType string `json:"-"`
	Blob        string `json:"blob,omitempty"`
	URL         string `json:"url,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// RiverItem is one accepted feed entry in river.js form.
type RiverItem struct {
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Body      string     `json:"body"`
	PubDate   string     `json:"pubDate"`
	PermaLink string     `json:"permaLink"`
	ID        string     `json:"id"`
	Thumbnail *Thumbnail `json:"thumbnail,omitempty"`
}

// RiverUpdate groups the items accepted from one poll of a feed.
type RiverUpdate struct {
	FeedTitle       string      `json:"feedTitle"`
	FeedURL         string      `json:"feedUrl"`
	WebsiteURL      string      `json:"websiteUrl"`
	FeedDescription string      `json:"feedDescription"`
	WhenLastUpdate  string      `json:"whenLastUpdate"`
	Items           []RiverItem `json:"item"`
}

// StoredRiverUpdate represents a row in the 'river_updates' table.
type StoredRiverUpdate struct {
	ID         int64     `db:"id"`
	FeedID     int64     `db:"feed_id"`
	UpdateTime time.Time `db:"update_time"`
	Data       string    `db:"data"`
}

// Decode unmarshals the stored JSON document.
func (s *StoredRiverUpdate) Decode() (*RiverUpdate, error) {
	var u RiverUpdate
	if err := json.Unmarshal([]byte(s.Data), &u); err != nil {
		return nil, fmt.Errorf("failed to decode river update %d: %w", s.ID, err)
	}
	return &u, nil
}

// RiverDocument is the river.js payload served for a river.
type RiverDocument struct {
	UpdatedFeeds UpdatedFeeds  `json:"updatedFeeds"`
	Metadata     RiverMetadata `json:"metadata"`
}

type UpdatedFeeds struct {
	UpdatedFeed []RiverUpdate `json:"updatedFeed"`
}

type RiverMetadata struct {
	Docs    string `json:"docs"`
	WhenGMT string `json:"whenGMT"`
	Version string `json:"version"`
	Mode    string `json:"mode,omitempty"`
}
