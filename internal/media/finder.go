// Package media finds a representative image for a feed entry and turns it
// into a square PNG thumbnail.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/metrics"
	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/parse"
)

const (
	minImageArea       = 5000
	maxAspectRatio     = 2.25
	spriteAreaDivisor  = 10
	maxImageCandidates = 40
)

// ErrNoImage means a document offered nothing usable as a thumbnail.
var ErrNoImage = errors.New("no suitable image")

var ignoredImageHosts = []string{
	"gravatar.com",
	"googleadservices.com",
	"doubleclick.net",
	"amazon-adsystem.com",
}

var ignoredImageSuffixes = []string{
	"addgoogle2.gif",
}

// Fetcher is the HTTP access the finder needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error)
	Open(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
}

// Finder discovers thumbnails. It is safe for concurrent use.
type Finder struct {
	client Fetcher
	size   int
	probes *ProbeCache
}

// NewFinder returns a Finder producing size×size thumbnails. probes may be nil.
func NewFinder(client Fetcher, size int, probes *ProbeCache) *Finder {
	return &Finder{client: client, size: size, probes: probes}
}

// FindThumbnail looks for an image in the entry summary, then each content
// block, then the page the entry links to. Every failure just means no
// thumbnail.
func (f *Finder) FindThumbnail(ctx context.Context, e parse.Entry) *models.Thumbnail {
	logger := log.With().Str("entry", e.Link).Logger()

	if e.Description != "" {
		th, err := f.HTMLImage(ctx, e.Link, e.Description)
		if th != nil {
			metrics.ThumbnailFrom(metrics.SourceSummary)
			return th
		}
		logger.Trace().Err(err).Msg("No thumbnail in summary")
	}
	for _, content := range e.Content {
		th, err := f.HTMLImage(ctx, e.Link, content)
		if th != nil {
			metrics.ThumbnailFrom(metrics.SourceContent)
			return th
		}
		logger.Trace().Err(err).Msg("No thumbnail in content")
	}
	if e.Link != "" {
		th, err := f.URLImage(ctx, e.Link)
		if th != nil {
			metrics.ThumbnailFrom(metrics.SourceLink)
			return th
		}
		logger.Trace().Err(err).Msg("No thumbnail at link")
	}

	metrics.ThumbnailFrom(metrics.SourceNotFound)
	return nil
}

// URLImage fetches pageURL and returns a thumbnail for it: the image itself
// when it is one, otherwise the best image the HTML page points to.
func (f *Finder) URLImage(ctx context.Context, pageURL string) (*models.Thumbnail, error) {
	resp, err := f.client.Fetch(ctx, pageURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s: status %d", pageURL, resp.StatusCode)
	}

	ct := resp.ContentType()
	switch {
	case strings.HasPrefix(ct, "image/"):
		metrics.ThumbnailKind(metrics.KindDirect)
		return PrepareImage(resp.Body, f.size)
	case ct == "" || ct == "text/html" || ct == "application/xhtml+xml":
		return f.HTMLImage(ctx, resp.URL, string(resp.Body))
	default:
		metrics.ThumbnailKind(metrics.KindNotSupported)
		return nil, fmt.Errorf("%s: unsupported content type %q", pageURL, ct)
	}
}

// HTMLImage picks the best image referenced by an HTML document and
// prepares it. Relative references resolve against baseURL.
func (f *Finder) HTMLImage(ctx context.Context, baseURL, document string) (*models.Thumbnail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	imageURL, kind := f.thumbnailURL(ctx, baseURL, doc)
	if imageURL == "" {
		return nil, ErrNoImage
	}
	metrics.ThumbnailKind(kind)

	header := http.Header{}
	header.Set("Referer", baseURL)
	resp, err := f.client.Fetch(ctx, imageURL, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s: status %d", imageURL, resp.StatusCode)
	}
	return PrepareImage(resp.Body, f.size)
}

// thumbnailURL returns the absolute URL of the image that best represents
// doc and how it was found.
func (f *Finder) thumbnailURL(ctx context.Context, baseURL string, doc *goquery.Document) (string, string) {
	base, _ := url.Parse(baseURL)

	hints := []struct {
		kind    string
		extract func(*goquery.Document) string
	}{
		{metrics.KindOpenGraph, openGraphImage},
		{metrics.KindTwitter, twitterImage},
		{metrics.KindLinkRel, linkRelImage},
		{metrics.KindKnownGoodness, knownGoodImage},
	}
	for _, h := range hints {
		if raw := h.extract(doc); raw != "" {
			if u := resolve(base, raw); u != "" {
				return u, h.kind
			}
		}
	}

	if u := f.largestImage(ctx, base, baseURL, doc); u != "" {
		return u, metrics.KindImgTag
	}
	return "", ""
}

func firstContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
				found = strings.TrimSpace(v)
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func openGraphImage(doc *goquery.Document) string {
	return firstContent(doc,
		`meta[property="og:image"]`, `meta[name="og:image"]`,
		`meta[property="og:image:url"]`, `meta[name="og:image:url"]`)
}

func twitterImage(doc *goquery.Document) string {
	return firstContent(doc,
		`meta[name="twitter:image"]`, `meta[property="twitter:image"]`,
		`meta[name="twitter:image:src"]`)
}

func linkRelImage(doc *goquery.Document) string {
	href, _ := doc.Find(`link[rel="image_src"]`).First().Attr("href")
	return strings.TrimSpace(href)
}

// knownGoodImage covers sites whose main image is recognisable by markup.
func knownGoodImage(doc *goquery.Document) string {
	src, _ := doc.Find(`section.comic-art img`).First().Attr("src")
	return strings.TrimSpace(src)
}

// largestImage probes every <img> and returns the one with the largest
// usable area. Sprites count for a tenth of their area.
func (f *Finder) largestImage(ctx context.Context, base *url.URL, referer string, doc *goquery.Document) string {
	var best string
	bestArea := 0.0
	seen := make(map[string]bool)

	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		u := resolve(base, src)
		if u == "" || seen[u] || shouldIgnoreImageURL(u) {
			return true
		}
		seen[u] = true
		if len(seen) > maxImageCandidates {
			return false
		}

		size, ok := f.imageSize(ctx, u, referer)
		if !ok || size.Width <= 0 || size.Height <= 0 {
			return true
		}
		area := float64(size.Width * size.Height)
		if area < minImageArea {
			return true
		}
		ratio := float64(max(size.Width, size.Height)) / float64(min(size.Width, size.Height))
		if ratio > maxAspectRatio {
			return true
		}
		if strings.Contains(strings.ToLower(u), "sprite") {
			area /= spriteAreaDivisor
		}
		if area > bestArea {
			best, bestArea = u, area
		}
		return true
	})
	return best
}

func shouldIgnoreImageURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, suffix := range ignoredImageSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	u, err := url.Parse(lower)
	if err != nil {
		return true
	}
	host := u.Hostname()
	for _, h := range ignoredImageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// resolve makes raw absolute against base and keeps only http(s) URLs.
func resolve(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}
