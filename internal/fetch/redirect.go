package fetch

import (
	"context"
	"sync"
)

type recorderKey struct{}

type redirectRecorder struct {
	mu   sync.Mutex
	list []Hop
}

func (r *redirectRecorder) add(h Hop) {
	r.mu.Lock()
	r.list = append(r.list, h)
	r.mu.Unlock()
}

func (r *redirectRecorder) reset() {
	r.mu.Lock()
	r.list = nil
	r.mu.Unlock()
}

func (r *redirectRecorder) hops() []Hop {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Hop(nil), r.list...)
}

func withRecorder(ctx context.Context, rec *redirectRecorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

func recorderFrom(ctx context.Context) *redirectRecorder {
	rec, _ := ctx.Value(recorderKey{}).(*redirectRecorder)
	return rec
}

// CanonicalURL returns the URL a feed should be known by after resp. Each
// leading permanent redirect moves the canonical URL one step along the
// chain; the first temporary redirect stops the walk.
func CanonicalURL(resp *Response) string {
	canonical := resp.RequestURL
	for i, hop := range resp.History {
		if !hop.Permanent() {
			break
		}
		if i+1 < len(resp.History) {
			canonical = resp.History[i+1].URL
		} else {
			canonical = resp.URL
		}
	}
	return canonical
}
