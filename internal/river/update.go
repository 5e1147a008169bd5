// Package river builds river.js documents from new feed entries and
// aggregates stored updates into a river.
package river

import (
	"context"
	"strconv"
	"time"

	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/parse"
)

// Builder turns accepted entries into river items.
type Builder struct {
	checker HeadChecker
}

// NewBuilder returns a Builder resolving permalinks through checker, which may be nil.
func NewBuilder(checker HeadChecker) *Builder {
	return &Builder{checker: checker}
}

// Item builds the river item for e with sequence id seq.
func (b *Builder) Item(ctx context.Context, e parse.Entry, seq int64) models.RiverItem {
	body := e.Description
	if body == "" && len(e.Content) > 0 {
		body = e.Content[0]
	}
	return models.RiverItem{
		Title:     e.Title,
		Link:      e.Link,
		Body:      ConvertDescription(body),
		PubDate:   EntryPubDate(e),
		PermaLink: Permalink(ctx, e, b.checker),
		ID:        strconv.FormatInt(seq, 10),
	}
}

// Update builds the river update for one poll. Items get consecutive ids
// starting at next.
func (b *Builder) Update(ctx context.Context, f *parse.Feed, entries []parse.Entry, next int64, when time.Time) models.RiverUpdate {
	u := models.RiverUpdate{
		FeedTitle:       f.Title,
		FeedURL:         f.URL,
		WebsiteURL:      f.SiteLink,
		FeedDescription: f.Description,
		WhenLastUpdate:  FormatDate(when),
		Items:           make([]models.RiverItem, 0, len(entries)),
	}
	for i, e := range entries {
		u.Items = append(u.Items, b.Item(ctx, e, next+int64(i)))
	}
	return u
}
