// Package pagination encodes the opaque cursors handed out by paginated
// API endpoints.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sociallists/riverd/internal/storage"
)

const cursorSeparator = ","
const timeFormat = time.RFC3339Nano

// EncodeCursor turns a position in the newest-first update order into an
// opaque string.
func EncodeCursor(c storage.UpdateCursor) string {
	key := c.UpdateTime.UTC().Format(timeFormat) + cursorSeparator + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor parses a string produced by EncodeCursor.
func DecodeCursor(encoded string) (*storage.UpdateCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	ts, id, ok := strings.Cut(string(raw), cursorSeparator)
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(timeFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid id in cursor %q", id)
	}

	return &storage.UpdateCursor{UpdateTime: t.UTC(), ID: n}, nil
}
