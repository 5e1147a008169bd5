// Package parse turns RSS, Atom and JSON feed documents into a normalized
// Feed record.
package parse

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one feed entry. Missing fields are empty.
type Entry struct {
	ID          string // native id (RSS guid, Atom id)
	Link        string
	Title       string
	Description string
	Content     []string
	Published   string // as written in the document
	Updated     string
	PublishedAt *time.Time
	UpdatedAt   *time.Time
}

// Feed is a parsed document plus the HTTP metadata it was fetched with.
type Feed struct {
	URL          string
	Title        string
	SiteLink     string
	Description  string
	Entries      []Entry
	HTTPStatus   int
	ETag         string
	LastModified string
}

// Meta carries the fetch results that accompany a parsed document.
type Meta struct {
	URL          string
	StatusCode   int
	ETag         string
	LastModified string
}

// Parse reads a feed document. A gofeed parser keeps per-document state, so
// each call builds its own.
func Parse(r io.Reader, meta Meta) (*Feed, error) {
	doc, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", meta.URL, err)
	}

	f := &Feed{
		URL:          meta.URL,
		Title:        strings.TrimSpace(doc.Title),
		SiteLink:     doc.Link,
		Description:  doc.Description,
		HTTPStatus:   meta.StatusCode,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		Entries:      make([]Entry, 0, len(doc.Items)),
	}
	for _, item := range doc.Items {
		if item == nil {
			continue
		}
		f.Entries = append(f.Entries, entryFromItem(item))
	}
	return f, nil
}

func entryFromItem(item *gofeed.Item) Entry {
	e := Entry{
		ID:          item.GUID,
		Link:        item.Link,
		Title:       item.Title,
		Description: item.Description,
		Published:   item.Published,
		Updated:     item.Updated,
		PublishedAt: item.PublishedParsed,
		UpdatedAt:   item.UpdatedParsed,
	}
	if e.Link == "" && len(item.Links) > 0 {
		e.Link = item.Links[0]
	}
	if item.Content != "" {
		e.Content = []string{item.Content}
	}
	return e
}
