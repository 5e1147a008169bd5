package river

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"sociallists/riverd/internal/models"
)

const docsURL = "http://riverjs.org/"

// Aggregate decodes stored updates into a river document, newest first.
// blobURL maps a thumbnail blob hash to the URL clients fetch it from.
// Updates that fail to decode are skipped.
func Aggregate(stored []models.StoredRiverUpdate, mode string, limit int, now time.Time, blobURL func(hash string) string) *models.RiverDocument {
	sorted := append([]models.StoredRiverUpdate(nil), stored...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].UpdateTime.Equal(sorted[j].UpdateTime) {
			return sorted[i].UpdateTime.After(sorted[j].UpdateTime)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	updates := lo.FilterMap(sorted, func(s models.StoredRiverUpdate, _ int) (models.RiverUpdate, bool) {
		u, err := s.Decode()
		if err != nil {
			log.Warn().Err(err).Int64("feed_id", s.FeedID).Msg("Skipping undecodable river update")
			return models.RiverUpdate{}, false
		}
		for i := range u.Items {
			if th := u.Items[i].Thumbnail; th != nil && th.Blob != "" && blobURL != nil {
				th.URL = blobURL(th.Blob)
			}
		}
		return *u, true
	})

	return &models.RiverDocument{
		UpdatedFeeds: models.UpdatedFeeds{UpdatedFeed: updates},
		Metadata: models.RiverMetadata{
			Docs:    docsURL,
			WhenGMT: FormatDate(now),
			Version: "3",
			Mode:    mode,
		},
	}
}
