// Package snapshot records the time series the portfolio math reads back:
// market mid prices for every asset we hold and equity curves for each
// portfolio scope.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// BookMids is the cache read the price loop needs.
type BookMids interface {
	GetNoWait(assetID string) (*types.NormalizedBook, bool)
}

// Config tunes the two recording loops.
type Config struct {
	PriceEvery     time.Duration
	PortfolioEvery time.Duration
	Staleness      time.Duration // live books older than this fall back to the stored series
}

// Recorder runs the price and portfolio snapshot loops.
type Recorder struct {
	cfg    Config
	db     *store.DB
	ledger *ledger.Service
	books  BookMids
	users  func() []types.FollowedUser
	logger *slog.Logger
}

// NewRecorder creates the snapshot recorder. users supplies the followed
// user set for the per-leader equity rows.
func NewRecorder(cfg Config, db *store.DB, led *ledger.Service, books BookMids, users func() []types.FollowedUser, logger *slog.Logger) *Recorder {
	if cfg.PriceEvery <= 0 {
		cfg.PriceEvery = 15 * time.Second
	}
	if cfg.PortfolioEvery <= 0 {
		cfg.PortfolioEvery = time.Minute
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 2 * time.Minute
	}
	return &Recorder{
		cfg:    cfg,
		db:     db,
		ledger: led,
		books:  books,
		users:  users,
		logger: logger.With("component", "snapshot"),
	}
}

// Pricer resolves marks for valuation: live book mid first, falling back
// to the last stored snapshot when the feed is stale or has never seen
// the asset.
func (r *Recorder) Pricer() ledger.Pricer {
	return ledger.PricerFunc(func(ctx context.Context, assetID string) (int32, bool) {
		if book, ok := r.books.GetNoWait(assetID); ok && book.HasBothSides() &&
			time.Since(book.UpdatedAt) <= r.cfg.Staleness {
			return book.MidMicros, true
		}
		mid, ok, err := r.db.LatestPrice(ctx, assetID)
		if err != nil {
			r.logger.Error("latest price lookup", "asset", assetID, "error", err)
			return 0, false
		}
		return mid, ok
	})
}

// RunPrices buckets mid prices for every asset with an open position.
func (r *Recorder) RunPrices(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PriceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recordPrices(ctx)
		}
	}
}

// RunPortfolios buckets equity for the global book, each leader's slice,
// and each leader's shadow mirror.
func (r *Recorder) RunPortfolios(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PortfolioEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recordPortfolios(ctx)
		}
	}
}

func (r *Recorder) recordPrices(ctx context.Context) {
	bucket := time.Now().UTC().Truncate(r.cfg.PriceEvery)

	positions, err := r.db.OpenPositions(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		r.logger.Error("load open positions", "error", err)
		return
	}
	for _, p := range positions {
		book, ok := r.books.GetNoWait(p.AssetID)
		if !ok || !book.HasBothSides() {
			continue
		}
		snap := types.MarketPriceSnapshot{
			AssetID:    p.AssetID,
			BucketTime: bucket,
			BidMicros:  book.BestBidMicros,
			AskMicros:  book.BestAskMicros,
			MidMicros:  book.MidMicros,
			Source:     book.Source,
		}
		if err := r.db.UpsertPriceSnapshot(ctx, snap); err != nil {
			r.logger.Error("upsert price snapshot", "asset", p.AssetID, "error", err)
		}
	}
}

func (r *Recorder) recordPortfolios(ctx context.Context) {
	bucket := time.Now().UTC().Truncate(r.cfg.PortfolioEvery)
	pricer := r.Pricer()

	r.recordOne(ctx, types.ScopeExecGlobal, "", bucket, pricer)
	for _, u := range r.users() {
		r.recordOne(ctx, types.ScopeExecUser, u.ID, bucket, pricer)
		r.recordOne(ctx, types.ScopeShadowUser, u.ID, bucket, pricer)
	}
}

func (r *Recorder) recordOne(ctx context.Context, scope types.PortfolioScope, userID string, bucket time.Time, pricer ledger.Pricer) {
	v, err := r.ledger.Valuate(ctx, scope, userID, pricer)
	if err != nil {
		r.logger.Error("valuate", "scope", scope, "user", userID, "error", err)
		return
	}
	snap := types.PortfolioSnapshot{
		Scope:               scope,
		UserID:              userID,
		BucketTime:          bucket,
		EquityMicros:        v.EquityMicros,
		CashMicros:          v.CashMicros,
		ExposureMicros:      v.ExposureMicros,
		UnrealizedPnLMicros: v.UnrealizedPnLMicros,
		RealizedPnLMicros:   v.RealizedPnLMicros,
	}
	if err := r.db.UpsertPortfolioSnapshot(ctx, snap); err != nil {
		r.logger.Error("upsert portfolio snapshot", "scope", scope, "user", userID, "error", err)
	}
}
