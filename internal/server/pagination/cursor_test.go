package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sociallists/riverd/internal/storage"
)

func TestCursorRoundTrip(t *testing.T) {
	in := storage.UpdateCursor{
		UpdateTime: time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("CEST", 2*3600)),
		ID:         42,
	}

	out, err := DecodeCursor(EncodeCursor(in))
	require.NoError(t, err)
	assert.True(t, in.UpdateTime.Equal(out.UpdateTime))
	assert.Equal(t, time.UTC, out.UpdateTime.Location())
	assert.Equal(t, int64(42), out.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("yesterday,1")),
		base64.RawURLEncoding.EncodeToString([]byte("2024-01-01T00:00:00Z,abc")),
		base64.RawURLEncoding.EncodeToString([]byte("2024-01-01T00:00:00Z,0")),
	} {
		_, err := DecodeCursor(s)
		assert.Error(t, err, s)
	}
}
