package models

import (
	"database/sql"
	"time"
)

// River is a named subscription list owned by a user.
type River struct {
	ID        int64          `db:"id"`
	UserID    string         `db:"user_id"`
	Name      string         `db:"name"`
	Mode      sql.NullString `db:"mode"`
	CreatedAt time.Time      `db:"created_at"`

	// FeedIDs is filled by queries that load memberships.
	FeedIDs []int64 `db:"-"`
}

// HasFeed reports whether feedID is a member of the river.
func (r *River) HasFeed(feedID int64) bool {
	for _, id := range r.FeedIDs {
		if id == feedID {
			return true
		}
	}
	return false
}
