package book

import (
	"sort"

	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// normalizeLocked materializes the sorted, invariant-checked view of a
// tokenBook. Callers hold the cache mutex.
//
// Levels with price <= 0, price >= 1.00, or zero size are dropped. Best
// bid is the maximum surviving bid and best ask the minimum surviving ask
// regardless of upstream ordering. Defaults when a side is empty: best
// bid 0, best ask 1,000,000 — the widest possible book.
func normalizeLocked(tb *tokenBook) *types.NormalizedBook {
	bids := surviving(tb.bids)
	asks := surviving(tb.asks)

	sort.Slice(bids, func(i, j int) bool { return bids[i].PriceMicros > bids[j].PriceMicros })
	sort.Slice(asks, func(i, j int) bool { return asks[i].PriceMicros < asks[j].PriceMicros })

	bestBid := int32(0)
	if len(bids) > 0 {
		bestBid = bids[0].PriceMicros
	}
	bestAsk := int32(micros.Scale)
	if len(asks) > 0 {
		bestAsk = asks[0].PriceMicros
	}

	return &types.NormalizedBook{
		AssetID:       tb.assetID,
		Bids:          bids,
		Asks:          asks,
		BestBidMicros: bestBid,
		BestAskMicros: bestAsk,
		MidMicros:     (bestBid + bestAsk) / 2,
		SpreadMicros:  bestAsk - bestBid,
		UpdatedAt:     tb.updatedAt,
		Source:        tb.source,
	}
}

func surviving(levels map[int32]int64) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(levels))
	for price, size := range levels {
		if price <= 0 || price >= micros.Scale || size <= 0 {
			continue
		}
		out = append(out, types.BookLevel{PriceMicros: price, SizeMicros: size})
	}
	return out
}
