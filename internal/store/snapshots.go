package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"polymarket-copytrader/pkg/types"
)

// UpsertPriceSnapshot writes one (asset, bucket) price row. Replays of the
// same bucket overwrite with the latest observation.
func (d *DB) UpsertPriceSnapshot(ctx context.Context, s types.MarketPriceSnapshot) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO market_price_snapshots (asset_id, bucket_time, bid_micros, ask_micros, mid_micros, source)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (asset_id, bucket_time) DO UPDATE SET
			bid_micros = excluded.bid_micros,
			ask_micros = excluded.ask_micros,
			mid_micros = excluded.mid_micros,
			source = excluded.source`,
		s.AssetID, s.BucketTime.UTC(), s.BidMicros, s.AskMicros, s.MidMicros, s.Source)
	if err != nil {
		return fmt.Errorf("upsert price snapshot %s: %w", s.AssetID, err)
	}
	return nil
}

// LatestPrice returns the most recent snapshot mid for an asset; ok is
// false when no snapshot exists.
func (d *DB) LatestPrice(ctx context.Context, assetID string) (int32, bool, error) {
	var mid int32
	err := d.db.QueryRowContext(ctx, `
		SELECT mid_micros FROM market_price_snapshots
		WHERE asset_id = ? ORDER BY bucket_time DESC LIMIT 1`, assetID).Scan(&mid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query latest price: %w", err)
	}
	return mid, true, nil
}

// UpsertPortfolioSnapshot writes one (scope, user, bucket) equity row.
// SQLite treats NULLs as distinct in unique indexes, so the empty user id
// is stored as NULL via sqlNullUser and duplicates for the same bucket are
// handled update-first: reads take the latest by updated_at.
func (d *DB) UpsertPortfolioSnapshot(ctx context.Context, s types.PortfolioSnapshot) error {
	now := nowUTC()
	res, err := d.db.ExecContext(ctx, `
		UPDATE portfolio_snapshots SET
			equity_micros = ?, cash_micros = ?, exposure_micros = ?,
			unrealized_micros = ?, realized_micros = ?, updated_at = ?
		WHERE portfolio_scope = ? AND user_id IS ? AND bucket_time = ?`,
		s.EquityMicros, s.CashMicros, s.ExposureMicros,
		s.UnrealizedPnLMicros, s.RealizedPnLMicros, now,
		s.Scope, sqlNullUser(s.UserID), s.BucketTime.UTC())
	if err != nil {
		return fmt.Errorf("update portfolio snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (
			portfolio_scope, user_id, bucket_time,
			equity_micros, cash_micros, exposure_micros,
			unrealized_micros, realized_micros, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.Scope, sqlNullUser(s.UserID), s.BucketTime.UTC(),
		s.EquityMicros, s.CashMicros, s.ExposureMicros,
		s.UnrealizedPnLMicros, s.RealizedPnLMicros, now)
	if err != nil {
		return fmt.Errorf("insert portfolio snapshot: %w", err)
	}
	return nil
}

// LatestPortfolioSnapshot returns the newest equity row for a scope/user,
// or nil when none exists yet.
func (d *DB) LatestPortfolioSnapshot(ctx context.Context, scope types.PortfolioScope, userID string) (*types.PortfolioSnapshot, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT portfolio_scope, COALESCE(user_id, ''), bucket_time,
		       equity_micros, cash_micros, exposure_micros,
		       unrealized_micros, realized_micros
		FROM portfolio_snapshots
		WHERE portfolio_scope = ? AND user_id IS ?
		ORDER BY updated_at DESC LIMIT 1`, scope, sqlNullUser(userID))

	var s types.PortfolioSnapshot
	err := row.Scan(&s.Scope, &s.UserID, &s.BucketTime,
		&s.EquityMicros, &s.CashMicros, &s.ExposureMicros,
		&s.UnrealizedPnLMicros, &s.RealizedPnLMicros)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query portfolio snapshot: %w", err)
	}
	return &s, nil
}

// EquityAsOf returns the last recorded equity at or before the cutoff for
// the circuit breakers; ok is false when no snapshot that old exists.
func (d *DB) EquityAsOf(ctx context.Context, scope types.PortfolioScope, userID string, cutoff time.Time) (int64, bool, error) {
	var equity int64
	err := d.db.QueryRowContext(ctx, `
		SELECT equity_micros FROM portfolio_snapshots
		WHERE portfolio_scope = ? AND user_id IS ? AND bucket_time <= ?
		ORDER BY bucket_time DESC LIMIT 1`,
		scope, sqlNullUser(userID), cutoff.UTC()).Scan(&equity)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query equity as of: %w", err)
	}
	return equity, true, nil
}

// PeakEquity returns the highest recorded equity for drawdown tracking.
func (d *DB) PeakEquity(ctx context.Context, scope types.PortfolioScope, userID string) (int64, bool, error) {
	var equity sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT MAX(equity_micros) FROM portfolio_snapshots
		WHERE portfolio_scope = ? AND user_id IS ?`,
		scope, sqlNullUser(userID)).Scan(&equity)
	if err != nil {
		return 0, false, fmt.Errorf("query peak equity: %w", err)
	}
	return equity.Int64, equity.Valid, nil
}

func sqlNullUser(userID string) any {
	if userID == "" {
		return nil
	}
	return userID
}
