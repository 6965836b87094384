package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// GroupEmitter receives closed groups, normally by enqueueing a
// copy-attempt job.
type GroupEmitter interface {
	EmitGroup(ctx context.Context, group types.TradeGroup)
}

// GrouperConfig tunes the burst-collapsing windows.
type GrouperConfig struct {
	Quiet     time.Duration // close after this much silence since the last add
	MaxWindow time.Duration // close this long after the first add regardless
	Tick      time.Duration // sweep cadence
}

// Grouper collapses bursts of fills from the same (user, asset, side) into
// one decision unit. A group closes on an opposite-side fill from the same
// user on the same asset, on quiet-period expiry, or on max-window expiry.
type Grouper struct {
	cfg     GrouperConfig
	emitter GroupEmitter
	logger  *slog.Logger

	mu     sync.Mutex
	open   map[string]*openGroup
}

type openGroup struct {
	userID    string
	assetID   string
	marketID  string
	side      types.Side
	shares    int64
	notional  int64
	firstAt   time.Time // event time of the first fill (metadata)
	lastAt    time.Time // event time of the latest fill (metadata)
	openedAt  time.Time // wall clock; drives the max-window check
	touchedAt time.Time // wall clock; drives the quiet check
	keys      []string
}

// NewGrouper creates a grouper with sane defaults for zero fields.
func NewGrouper(cfg GrouperConfig, emitter GroupEmitter, logger *slog.Logger) *Grouper {
	if cfg.Quiet <= 0 {
		cfg.Quiet = 2 * time.Second
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = 15 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 250 * time.Millisecond
	}
	return &Grouper{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("component", "grouper"),
		open:    make(map[string]*openGroup),
	}
}

// Run sweeps open groups for expired windows until ctx is cancelled, then
// flushes everything still open.
func (g *Grouper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.FlushAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// Add feeds one first-sight canonical trade into its group. An open group
// on the opposite side closes first, so a reversal never nets away inside
// the grouping window.
func (g *Grouper) Add(ctx context.Context, ev types.TradeEvent) {
	g.mu.Lock()

	oppositeKey := groupKey(ev.UserID, ev.AssetID, ev.Side.Opposite())
	if opp, ok := g.open[oppositeKey]; ok {
		delete(g.open, oppositeKey)
		g.emitLocked(ctx, opp, "opposite_side")
	}

	// Window timers run on wall clock, not event time: block timestamps
	// lag arrival by more than the quiet window, which would expire every
	// group the moment it opens.
	now := time.Now()
	key := groupKey(ev.UserID, ev.AssetID, ev.Side)
	grp, ok := g.open[key]
	if !ok {
		grp = &openGroup{
			userID:   ev.UserID,
			assetID:  ev.AssetID,
			marketID: ev.MarketID,
			side:     ev.Side,
			firstAt:  ev.EventTime,
			openedAt: now,
		}
		g.open[key] = grp
	}
	grp.shares += ev.ShareMicros
	grp.notional += ev.NotionalMicros
	grp.lastAt = ev.EventTime
	grp.touchedAt = now
	if grp.marketID == "" {
		grp.marketID = ev.MarketID
	}
	grp.keys = append(grp.keys, ev.Key())

	g.mu.Unlock()
}

// FlushAll closes every open group immediately (shutdown path).
func (g *Grouper) FlushAll(ctx context.Context) {
	g.mu.Lock()
	for key, grp := range g.open {
		delete(g.open, key)
		g.emitLocked(ctx, grp, "shutdown")
	}
	g.mu.Unlock()
}

// OpenGroups reports the count for the health endpoint.
func (g *Grouper) OpenGroups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

func (g *Grouper) sweep(ctx context.Context) {
	now := time.Now()
	g.mu.Lock()
	for key, grp := range g.open {
		switch {
		case now.Sub(grp.touchedAt) >= g.cfg.Quiet:
			delete(g.open, key)
			g.emitLocked(ctx, grp, "quiet")
		case now.Sub(grp.openedAt) >= g.cfg.MaxWindow:
			delete(g.open, key)
			g.emitLocked(ctx, grp, "max_window")
		}
	}
	g.mu.Unlock()
}

// emitLocked converts and hands off one closed group. Callers hold g.mu;
// emitters must not call back into the grouper.
func (g *Grouper) emitLocked(ctx context.Context, grp *openGroup, cause string) {
	group := types.TradeGroup{
		UserID:         grp.userID,
		AssetID:        grp.assetID,
		MarketID:       grp.marketID,
		Side:           grp.side,
		ShareMicros:    grp.shares,
		NotionalMicros: grp.notional,
		RefPriceMicros: micros.VWAP(grp.notional, grp.shares),
		FirstEventTime: grp.firstAt,
		LastEventTime:  grp.lastAt,
		TradeKeys:      grp.keys,
		SourceType:     types.SourceImmediate,
	}
	g.logger.Info("group closed",
		"key", group.Key(), "cause", cause, "trades", len(grp.keys),
		"notional", grp.notional)
	g.emitter.EmitGroup(ctx, group)
}

func groupKey(userID, assetID string, side types.Side) string {
	return userID + "|" + assetID + "|" + string(side)
}
