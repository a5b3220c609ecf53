// internal/loyalty/tier.go
package loyalty

// tierThresholds maps each tier to the minimum lifetime points it
// requires, in ascending order. Compiled-in policy constants today,
// shaped as a table so they can move to configuration later.
var tierThresholds = []struct {
	Tier Tier
	Min  int64
}{
	{TierBronze, 0},
	{TierSilver, 1000},
	{TierGold, 2500},
	{TierPlatinum, 5000},
}

// TierFor derives the tier for a lifetime points total. Total over all
// non-negative inputs and monotonic in the tier ordering
// Bronze < Silver < Gold < Platinum.
func TierFor(lifetimePoints int64) Tier {
	tier := tierThresholds[0].Tier
	for _, threshold := range tierThresholds {
		if lifetimePoints >= threshold.Min {
			tier = threshold.Tier
		}
	}
	return tier
}

// TierRank returns the position of a tier in the ordering, 0-based.
// Unknown tiers rank below Bronze.
func TierRank(tier Tier) int {
	for i, threshold := range tierThresholds {
		if threshold.Tier == tier {
			return i
		}
	}
	return -1
}

// NextTierThreshold returns the tier after the given one and its
// minimum lifetime points. ok is false at the top tier.
func NextTierThreshold(tier Tier) (next Tier, min int64, ok bool) {
	rank := TierRank(tier)
	if rank < 0 || rank+1 >= len(tierThresholds) {
		return "", 0, false
	}
	return tierThresholds[rank+1].Tier, tierThresholds[rank+1].Min, true
}

// ProgressFor computes how many more lifetime points an account needs
// for the next tier. NextTier is nil at Platinum.
func ProgressFor(tier Tier, lifetimePoints int64) TierProgress {
	progress := TierProgress{CurrentTier: tier}

	next, min, ok := NextTierThreshold(tier)
	if !ok {
		return progress
	}

	progress.NextTier = &next
	remaining := min - lifetimePoints
	if remaining < 0 {
		remaining = 0
	}
	progress.PointsRemaining = remaining
	return progress
}
