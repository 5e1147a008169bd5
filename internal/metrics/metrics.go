// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

// Where a thumbnail was found.
const (
	SourceSummary  = "summary"
	SourceContent  = "content"
	SourceLink     = "link"
	SourceNotFound = "not_found"
)

// How a thumbnail URL was discovered inside a document.
const (
	KindDirect        = "direct"
	KindOpenGraph     = "open_graph"
	KindTwitter       = "twitter"
	KindLinkRel       = "link_rel"
	KindKnownGoodness = "known_goodness"
	KindImgTag        = "img_tag"
	KindNotSupported  = "not_supported"
)

var (
	thumbnailSources = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverd",
		Name:      "thumbnail_source_total",
		Help:      "Thumbnails found per entry part (summary, content, link) or not found.",
	}, []string{"source"})

	thumbnailKinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverd",
		Name:      "thumbnail_kind_total",
		Help:      "How thumbnail URLs were discovered in documents.",
	}, []string{"kind"})

	feedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riverd",
		Name:      "feed_updates_total",
		Help:      "Feed update runs by final state.",
	}, []string{"state"})

	feedUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riverd",
		Name:      "feed_update_duration_seconds",
		Help:      "Duration of single feed update runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	newEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riverd",
		Name:      "feed_new_entries_total",
		Help:      "Entries accepted into rivers.",
	})
)

// ThumbnailFrom counts a thumbnail lookup outcome by source.
func ThumbnailFrom(source string) {
	thumbnailSources.WithLabelValues(source).Inc()
}

// ThumbnailKind counts how a thumbnail URL was discovered.
func ThumbnailKind(kind string) {
	thumbnailKinds.WithLabelValues(kind).Inc()
}

// FeedUpdated records one finished feed update.
func FeedUpdated(state string, d time.Duration, accepted int) {
	feedUpdates.WithLabelValues(state).Inc()
	feedUpdateDuration.Observe(d.Seconds())
	if accepted > 0 {
		newEntries.Add(float64(accepted))
	}
}

// ThumbnailSourceCounts reads the current per-source counters.
func ThumbnailSourceCounts() map[string]float64 {
	out := make(map[string]float64, 4)
	for _, source := range []string{SourceSummary, SourceContent, SourceLink, SourceNotFound} {
		out[source] = counterValue(thumbnailSources.WithLabelValues(source))
	}
	return out
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// LogThumbnailStats logs what share of thumbnails came from each source.
func LogThumbnailStats(logger zerolog.Logger) {
	counts := ThumbnailSourceCounts()
	total := 0.0
	for _, v := range counts {
		total += v
	}
	if total == 0 {
		return
	}
	ev := logger.Info().Float64("total", total)
	for source, v := range counts {
		ev = ev.Float64(source, v).Float64(source+"_pct", 100*v/total)
	}
	ev.Msg("Thumbnail sources")
}
