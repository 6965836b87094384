package engine

import (
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// SimResult is a paper execution against the normalized book.
type SimResult struct {
	Fills                   []types.ExecutableFill
	FilledShareMicros       int64
	FilledNotionalMicros    int64
	VWAPMicros              int32
	FilledRatioBps          int64 // min(10_000, filled/target)
	AvailableNotionalMicros int64 // total notional within the price bound
}

// Simulate walks the opposite side of the book, asks ascending for a BUY
// and bids descending for a SELL, consuming levels inside the price bound
// until targetShareMicros is filled or levels run out. The book arrives
// already sorted from the cache.
func Simulate(book *types.NormalizedBook, side types.Side, targetShareMicros int64, boundMicros int32) SimResult {
	var res SimResult
	if targetShareMicros <= 0 {
		return res
	}

	levels := book.Asks
	inBound := func(price int32) bool { return price <= boundMicros }
	if side == types.SELL {
		levels = book.Bids
		inBound = func(price int32) bool { return price >= boundMicros }
	}

	remaining := targetShareMicros
	for _, lvl := range levels {
		if !inBound(lvl.PriceMicros) {
			break
		}
		res.AvailableNotionalMicros += micros.Notional(lvl.SizeMicros, lvl.PriceMicros)
		if remaining <= 0 {
			continue
		}
		take := lvl.SizeMicros
		if take > remaining {
			take = remaining
		}
		notional := micros.Notional(take, lvl.PriceMicros)
		res.Fills = append(res.Fills, types.ExecutableFill{
			PriceMicros:    lvl.PriceMicros,
			ShareMicros:    take,
			NotionalMicros: notional,
		})
		res.FilledShareMicros += take
		res.FilledNotionalMicros += notional
		remaining -= take
	}

	res.VWAPMicros = micros.VWAP(res.FilledNotionalMicros, res.FilledShareMicros)
	res.FilledRatioBps = micros.RatioBps(res.FilledShareMicros, targetShareMicros, 10_000)
	return res
}
