package river

import (
	"time"

	"sociallists/riverd/internal/parse"
)

// FormatDate renders t as an RFC 2822 date in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(time.RFC1123Z)
}

// EntryPubDate is the entry's published time, falling back to its updated
// time, or "" when neither parsed.
func EntryPubDate(e parse.Entry) string {
	switch {
	case e.PublishedAt != nil:
		return FormatDate(*e.PublishedAt)
	case e.UpdatedAt != nil:
		return FormatDate(*e.UpdatedAt)
	}
	return ""
}
