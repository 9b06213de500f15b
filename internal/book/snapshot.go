package book

import "sort"

// Rank sorts the store best price first (descending for bids, ascending for
// asks) and annotates each level with its running total. The result is never
// nil so it encodes as an empty JSON array.
func Rank(store *LevelStore, descending bool) []RankedLevel {
	levels := store.Levels()
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})

	ranked := make([]RankedLevel, len(levels))
	var total float64
	for i, l := range levels {
		total += l.Size
		ranked[i] = RankedLevel{Price: l.Price, Size: l.Size, Total: total}
	}
	return ranked
}

// BuildSnapshot ranks both sides and derives MaxTotal, Spread and Margin.
// A missing side contributes a best price of 0.
func BuildSnapshot(bids, asks *LevelStore) Snapshot {
	rankedBids := Rank(bids, true)
	rankedAsks := Rank(asks, false)

	snap := Snapshot{
		Bids:     rankedBids,
		Asks:     rankedAsks,
		MaxTotal: max(lastTotal(rankedBids), lastTotal(rankedAsks), 0),
	}
	snap.Spread, snap.Margin = Spread(snap.BestBid(), snap.BestAsk())
	return snap
}

// Spread returns ask minus bid and the spread as a percentage of the ask.
// The margin is nil when there is no positive ask price.
func Spread(bestBid, bestAsk float64) (float64, *float64) {
	spread := bestAsk - bestBid
	if bestAsk <= 0 {
		return spread, nil
	}
	margin := spread / bestAsk * 100
	return spread, &margin
}

func lastTotal(levels []RankedLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	return levels[len(levels)-1].Total
}
