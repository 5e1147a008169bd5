package river

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/parse"
)

// HeadChecker answers HEAD requests.
type HeadChecker interface {
	Head(ctx context.Context, rawURL string) (int, error)
}

// Permalink picks a stable link for an entry: its link when the native id
// equals it, otherwise the native id when it is an http(s) URL answering
// HEAD with 2xx.
func Permalink(ctx context.Context, e parse.Entry, checker HeadChecker) string {
	if e.ID == "" {
		return ""
	}
	if e.ID == e.Link {
		return e.Link
	}
	if !strings.HasPrefix(e.ID, "http://") && !strings.HasPrefix(e.ID, "https://") {
		return ""
	}
	if checker == nil {
		return ""
	}
	status, err := checker.Head(ctx, e.ID)
	if err != nil {
		log.Debug().Err(err).Str("guid", e.ID).Msg("Permalink check failed")
		return ""
	}
	if status >= 200 && status < 300 {
		return e.ID
	}
	return ""
}
