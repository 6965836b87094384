package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"polymarket-copytrader/pkg/types"
)

// UpsertTradeEvent writes a canonical trade row. A second delivery of the
// same (txHash, logIndex) is a no-op; the bool reports whether the row was
// actually inserted so callers can tell first-sight from redelivery.
func (d *DB) UpsertTradeEvent(ctx context.Context, ev types.TradeEvent) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO trade_events (
			tx_hash, log_index, user_id, proxy_address, token_id, side,
			price_micros, share_micros, notional_micros, fee_micros,
			source, event_time, detect_time, enrichment,
			market_id, condition_id, asset_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		ev.TxHash, ev.LogIndex, ev.UserID, ev.ProxyAddress, ev.TokenID, ev.Side,
		ev.PriceMicros, ev.ShareMicros, ev.NotionalMicros, ev.FeeMicros,
		ev.Source, ev.EventTime.UTC(), ev.DetectTime.UTC(), ev.Enrichment,
		ev.MarketID, ev.ConditionID, ev.AssetID)
	if err != nil {
		return false, fmt.Errorf("upsert trade event %s: %w", ev.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkTradeEnriched fills in the denormalized market identifiers after a
// metadata lookup succeeds (or records the failure).
func (d *DB) MarkTradeEnriched(ctx context.Context, txHash string, logIndex uint, status types.EnrichmentStatus, marketID, conditionID, assetID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE trade_events
		SET enrichment = ?, market_id = ?, condition_id = ?, asset_id = ?
		WHERE tx_hash = ? AND log_index = ?`,
		status, marketID, conditionID, assetID, txHash, logIndex)
	if err != nil {
		return fmt.Errorf("mark trade enriched: %w", err)
	}
	return nil
}

// PendingEnrichment returns trades still waiting for metadata, oldest first.
func (d *DB) PendingEnrichment(ctx context.Context, limit int) ([]types.TradeEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT tx_hash, log_index, user_id, proxy_address, token_id, side,
		       price_micros, share_micros, notional_micros, fee_micros,
		       source, event_time, detect_time, enrichment,
		       market_id, condition_id, asset_id
		FROM trade_events
		WHERE enrichment = 'PENDING'
		ORDER BY detect_time ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending enrichment: %w", err)
	}
	defer rows.Close()
	return scanTradeEvents(rows)
}

// LatestEventTime returns the newest canonical event time, surfaced by the
// health endpoint as the detection path's high-water mark. ok is false when
// no trades exist yet.
func (d *DB) LatestEventTime(ctx context.Context) (time.Time, bool, error) {
	var ts time.Time
	err := d.db.QueryRowContext(ctx, `
		SELECT event_time FROM trade_events ORDER BY event_time DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest event time: %w", err)
	}
	return ts, true, nil
}

// TradeEventsSince returns a user's canonical trades with eventTime at or
// after the cutoff, used by the reconcile path to compare against the REST
// view.
func (d *DB) TradeEventsSince(ctx context.Context, userID string, since time.Time) ([]types.TradeEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT tx_hash, log_index, user_id, proxy_address, token_id, side,
		       price_micros, share_micros, notional_micros, fee_micros,
		       source, event_time, detect_time, enrichment,
		       market_id, condition_id, asset_id
		FROM trade_events
		WHERE user_id = ? AND event_time >= ?
		ORDER BY event_time ASC`, userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades since: %w", err)
	}
	defer rows.Close()
	return scanTradeEvents(rows)
}

func scanTradeEvents(rows *sql.Rows) ([]types.TradeEvent, error) {
	var out []types.TradeEvent
	for rows.Next() {
		var ev types.TradeEvent
		if err := rows.Scan(
			&ev.TxHash, &ev.LogIndex, &ev.UserID, &ev.ProxyAddress, &ev.TokenID, &ev.Side,
			&ev.PriceMicros, &ev.ShareMicros, &ev.NotionalMicros, &ev.FeeMicros,
			&ev.Source, &ev.EventTime, &ev.DetectTime, &ev.Enrichment,
			&ev.MarketID, &ev.ConditionID, &ev.AssetID,
		); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
