package process

import (
	"github.com/samber/lo"

	"sociallists/riverd/internal/models"
)

// Membership is one (river, feed) pair.
type Membership struct {
	RiverID int64
	FeedID  int64
}

// MergePlan moves river memberships from a renamed feed onto the feed that
// already owns its new URL.
type MergePlan struct {
	Remove []Membership
	Add    []Membership
}

// PlanFeedMerge computes the membership changes replacing from with into in
// every river that references from. Rivers that already contain into only
// lose from.
func PlanFeedMerge(from, into int64, rivers []models.River) MergePlan {
	var plan MergePlan
	for _, r := range lo.Filter(rivers, func(r models.River, _ int) bool { return r.HasFeed(from) }) {
		plan.Remove = append(plan.Remove, Membership{RiverID: r.ID, FeedID: from})
		if !r.HasFeed(into) {
			plan.Add = append(plan.Add, Membership{RiverID: r.ID, FeedID: into})
		}
	}
	return plan
}
