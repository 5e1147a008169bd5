package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// maxProbeBytes bounds how much of an image is read to learn its size.
const maxProbeBytes = 256 << 10

// ImageSize is a width and height in pixels.
type ImageSize struct {
	Width  int
	Height int
}

type probeKey struct {
	url     string
	referer string
}

type probeResult struct {
	size ImageSize
	ok   bool
	err  error
}

// ProbeCache remembers image sizes by (url, referer). Concurrent probes of
// the same key share one request. Transport failures are not remembered.
type ProbeCache struct {
	entries *lru.Cache[probeKey, probeResult]
	group   singleflight.Group
}

// NewProbeCache returns a cache holding at most size entries.
func NewProbeCache(size int) (*ProbeCache, error) {
	entries, err := lru.New[probeKey, probeResult](size)
	if err != nil {
		return nil, fmt.Errorf("create probe cache: %w", err)
	}
	return &ProbeCache{entries: entries}, nil
}

// Len returns the number of cached probes.
func (c *ProbeCache) Len() int {
	return c.entries.Len()
}

// get returns the cached size for key or runs probe once for all concurrent
// callers of the same key. The shared probe runs with the context of the
// caller that started it; if that context ends, waiters whose own context is
// still live probe again.
func (c *ProbeCache) get(ctx context.Context, key probeKey, probe func(context.Context) (ImageSize, bool, error)) (ImageSize, bool) {
	for {
		if r, ok := c.entries.Get(key); ok {
			return r.size, r.ok
		}
		v, _, _ := c.group.Do(key.url+"\x00"+key.referer, func() (interface{}, error) {
			size, ok, err := probe(ctx)
			if err != nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			r := probeResult{size: size, ok: ok, err: err}
			if err == nil {
				c.entries.Add(key, r)
			}
			return r, nil
		})
		r := v.(probeResult)
		if isContextError(r.err) && ctx.Err() == nil {
			continue
		}
		return r.size, r.ok
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// imageSize learns the dimensions of the image at rawURL by decoding only
// its header.
func (f *Finder) imageSize(ctx context.Context, rawURL, referer string) (ImageSize, bool) {
	probe := func(ctx context.Context) (ImageSize, bool, error) {
		return f.probeSize(ctx, rawURL, referer)
	}
	if f.probes == nil {
		size, ok, _ := probe(ctx)
		return size, ok
	}
	return f.probes.get(ctx, probeKey{url: rawURL, referer: referer}, probe)
}

func (f *Finder) probeSize(ctx context.Context, rawURL, referer string) (ImageSize, bool, error) {
	header := http.Header{}
	header.Set("Referer", referer)
	resp, err := f.client.Open(ctx, rawURL, header)
	if err != nil {
		return ImageSize{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return ImageSize{}, false, nil
	}
	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return ImageSize{}, false, nil
	}
	return ImageSize{Width: cfg.Width, Height: cfg.Height}, true, nil
}
