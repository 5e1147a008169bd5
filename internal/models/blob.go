package models

import "time"

// Blob is a content-addressed binary object, keyed by the SHA-256 hex of its data.
type Blob struct {
	ID          int64     `db:"id"`
	Hash        string    `db:"hash"`
	ContentType string    `db:"content_type"`
	Data        []byte    `db:"data"`
	CreatedAt   time.Time `db:"created_at"`
}
