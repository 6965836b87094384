package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// FlushReason says why a buffer bucket emptied.
type FlushReason string

const (
	FlushThreshold    FlushReason = "threshold"
	FlushQuiet        FlushReason = "quiet"
	FlushMaxTime      FlushReason = "maxTime"
	FlushOppositeSide FlushReason = "oppositeSide"
	FlushShutdown     FlushReason = "shutdown"
)

// Buffer accumulates sub-threshold copy targets per (user, asset) until a
// flush condition fires, then submits one synthetic group through the hot
// path. Under SAME_SIDE_ONLY netting each side buffers independently and
// an opposite-side arrival flushes the other side first; under
// NET_BUY_SELL buys and sells offset inside one bucket and the net
// direction wins at flush time.
type Buffer struct {
	submit     func(ctx context.Context, group types.TradeGroup)
	onBelowMin func(ctx context.Context, group types.TradeGroup)
	logger     *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	userID   string
	assetID  string
	marketID string
	netting  types.NettingMode

	buyShares    int64
	buyNotional  int64
	sellShares   int64
	sellNotional int64
	count        int
	firstAt      time.Time
	lastAt       time.Time
	keys         []string

	flushMin int64
	minExec  int64
	quiet    time.Duration
	maxAge   time.Duration
}

// NewBuffer creates the small-trade buffer. submit re-enters the decision
// path with a synthetic group; onBelowMin records the below-minimum SKIP.
func NewBuffer(submit, onBelowMin func(ctx context.Context, group types.TradeGroup), logger *slog.Logger) *Buffer {
	return &Buffer{
		submit:     submit,
		onBelowMin: onBelowMin,
		logger:     logger.With("component", "trade_buffer"),
		buckets:    make(map[string]*bucket),
	}
}

// Run sweeps buckets for quiet and max-age expiry until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// Add buffers one sub-threshold group under the current per-user knobs.
func (b *Buffer) Add(ctx context.Context, group types.TradeGroup, g types.Guardrails) {
	b.mu.Lock()

	netting := g.Netting
	if netting == "" {
		netting = types.NettingSameSideOnly
	}

	key := bucketKey(group.UserID, group.AssetID, group.Side, netting)
	if netting == types.NettingSameSideOnly {
		oppKey := bucketKey(group.UserID, group.AssetID, group.Side.Opposite(), netting)
		if opp, ok := b.buckets[oppKey]; ok {
			delete(b.buckets, oppKey)
			b.flushLocked(ctx, opp, FlushOppositeSide)
		}
	}

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{
			userID:   group.UserID,
			assetID:  group.AssetID,
			marketID: group.MarketID,
			netting:  netting,
			firstAt:  time.Now(),
		}
		b.buckets[key] = bk
	}
	if group.Side == types.BUY {
		bk.buyShares += group.ShareMicros
		bk.buyNotional += group.NotionalMicros
	} else {
		bk.sellShares += group.ShareMicros
		bk.sellNotional += group.NotionalMicros
	}
	bk.count += group.BufferedTradeCount + len(group.TradeKeys)
	if bk.count == 0 {
		bk.count = 1
	}
	bk.lastAt = time.Now()
	bk.keys = append(bk.keys, group.TradeKeys...)
	if bk.marketID == "" {
		bk.marketID = group.MarketID
	}

	// Latest config wins for the whole bucket.
	bk.flushMin = g.FlushMinNotionalMicros
	bk.minExec = g.MinExecNotionalMicros
	bk.quiet = time.Duration(g.BufferQuietMs) * time.Millisecond
	bk.maxAge = time.Duration(g.MaxBufferMs) * time.Millisecond

	if bk.flushMin > 0 && bk.grossNotional() >= bk.flushMin {
		delete(b.buckets, key)
		b.flushLocked(ctx, bk, FlushThreshold)
	}
	b.mu.Unlock()
}

// FlushAll drains every bucket exactly once (shutdown path).
func (b *Buffer) FlushAll(ctx context.Context) {
	b.mu.Lock()
	for key, bk := range b.buckets {
		delete(b.buckets, key)
		b.flushLocked(ctx, bk, FlushShutdown)
	}
	b.mu.Unlock()
}

// Pending reports the bucket count for the health endpoint.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

func (b *Buffer) sweep(ctx context.Context) {
	now := time.Now()
	b.mu.Lock()
	for key, bk := range b.buckets {
		switch {
		case bk.quiet > 0 && now.Sub(bk.lastAt) >= bk.quiet:
			delete(b.buckets, key)
			b.flushLocked(ctx, bk, FlushQuiet)
		case bk.maxAge > 0 && now.Sub(bk.firstAt) >= bk.maxAge:
			delete(b.buckets, key)
			b.flushLocked(ctx, bk, FlushMaxTime)
		}
	}
	b.mu.Unlock()
}

// flushLocked converts a bucket into its net synthetic group and hands it
// off. Callers hold b.mu; the callbacks must not re-enter the buffer for
// the same bucket (the synthetic group is marked SourceBuffer, which the
// engine never re-buffers).
func (b *Buffer) flushLocked(ctx context.Context, bk *bucket, reason FlushReason) {
	side := types.BUY
	shares := bk.buyShares
	notional := bk.buyNotional
	if bk.netting == types.NettingNetBuySell {
		if bk.sellNotional > bk.buyNotional {
			side = types.SELL
			shares = bk.sellShares - bk.buyShares
			notional = bk.sellNotional - bk.buyNotional
		} else {
			shares = bk.buyShares - bk.sellShares
			notional = bk.buyNotional - bk.sellNotional
		}
	} else if bk.sellNotional > 0 {
		side = types.SELL
		shares = bk.sellShares
		notional = bk.sellNotional
	}

	group := types.TradeGroup{
		UserID:             bk.userID,
		AssetID:            bk.assetID,
		MarketID:           bk.marketID,
		Side:               side,
		ShareMicros:        shares,
		NotionalMicros:     notional,
		RefPriceMicros:     micros.VWAP(notional, shares),
		FirstEventTime:     bk.firstAt,
		LastEventTime:      bk.lastAt,
		TradeKeys:          bk.keys,
		SourceType:         types.SourceBuffer,
		BufferedTradeCount: bk.count,
	}

	b.logger.Info("buffer flushed",
		"user", bk.userID, "asset", bk.assetID, "reason", reason,
		"trades", bk.count, "notional", notional, "side", side)

	if shares <= 0 || notional <= 0 {
		// Fully netted away; nothing to submit.
		return
	}
	if bk.minExec > 0 && notional < bk.minExec {
		b.onBelowMin(ctx, group)
		return
	}
	b.submit(ctx, group)
}

func (bk *bucket) grossNotional() int64 {
	return bk.buyNotional + bk.sellNotional
}

func bucketKey(userID, assetID string, side types.Side, netting types.NettingMode) string {
	if netting == types.NettingNetBuySell {
		return userID + "|" + assetID
	}
	return userID + "|" + assetID + "|" + string(side)
}
