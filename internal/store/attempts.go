package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"polymarket-copytrader/pkg/types"
)

// SaveDecision persists one copy attempt, its simulated fills, and the
// ledger rows it produced in a single transaction. Redelivered groups hit
// the (group_key, portfolio_scope) constraint and collapse into a no-op;
// ledger rows are independently idempotent on (scope, ref_id, entry_type).
func (d *DB) SaveDecision(ctx context.Context, attempt types.CopyAttempt, entries []types.LedgerEntry) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO copy_attempts (
				group_key, portfolio_scope, user_id, asset_id, market_id, side,
				decision, reasons, source_type, buffered_count,
				their_notional, their_shares, ref_price_micros,
				target_notional, executed_notional, executed_shares,
				vwap_micros, filled_ratio_bps, effective_rate_bps,
				latency_ms, decided_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (group_key, portfolio_scope) DO NOTHING`,
			attempt.GroupKey, attempt.Scope, attempt.UserID, attempt.AssetID, attempt.MarketID, attempt.Side,
			attempt.Decision, joinReasons(attempt.Reasons), attempt.SourceType, attempt.BufferedTradeCount,
			attempt.TheirNotionalMicros, attempt.TheirShareMicros, attempt.RefPriceMicros,
			attempt.TargetNotionalMicros, attempt.FilledNotionalMicros, attempt.FilledShareMicros,
			attempt.VWAPMicros, attempt.FilledRatioBps, attempt.EffectiveRateBps,
			attempt.LatencyMs, attempt.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert copy attempt %s: %w", attempt.GroupKey, err)
		}

		if n, _ := res.RowsAffected(); n > 0 && len(attempt.Fills) > 0 {
			attemptID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("attempt id: %w", err)
			}
			for _, f := range attempt.Fills {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO executable_fills (attempt_id, price_micros, share_micros, notional_micros)
					VALUES (?,?,?,?)`, attemptID, f.PriceMicros, f.ShareMicros, f.NotionalMicros); err != nil {
					return fmt.Errorf("insert fill: %w", err)
				}
			}
		}

		for _, e := range entries {
			if err := insertLedgerEntryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// AttemptByGroup loads one attempt row with its fills.
func (d *DB) AttemptByGroup(ctx context.Context, groupKey string, scope types.PortfolioScope) (*types.CopyAttempt, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, group_key, portfolio_scope, user_id, asset_id, market_id, side,
		       decision, reasons, source_type, buffered_count,
		       their_notional, their_shares, ref_price_micros,
		       target_notional, executed_notional, executed_shares,
		       vwap_micros, filled_ratio_bps, effective_rate_bps,
		       latency_ms, decided_at
		FROM copy_attempts
		WHERE group_key = ? AND portfolio_scope = ?`, groupKey, scope)

	var a types.CopyAttempt
	var reasons string
	err := row.Scan(&a.ID, &a.GroupKey, &a.Scope, &a.UserID, &a.AssetID, &a.MarketID, &a.Side,
		&a.Decision, &reasons, &a.SourceType, &a.BufferedTradeCount,
		&a.TheirNotionalMicros, &a.TheirShareMicros, &a.RefPriceMicros,
		&a.TargetNotionalMicros, &a.FilledNotionalMicros, &a.FilledShareMicros,
		&a.VWAPMicros, &a.FilledRatioBps, &a.EffectiveRateBps,
		&a.LatencyMs, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query attempt: %w", err)
	}
	a.Reasons = splitReasons(reasons)

	fillRows, err := d.db.QueryContext(ctx, `
		SELECT price_micros, share_micros, notional_micros FROM executable_fills
		WHERE attempt_id = ? ORDER BY id`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer fillRows.Close()
	for fillRows.Next() {
		var f types.ExecutableFill
		if err := fillRows.Scan(&f.PriceMicros, &f.ShareMicros, &f.NotionalMicros); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		a.Fills = append(a.Fills, f)
	}
	return &a, fillRows.Err()
}

// DecisionLatencies returns per-attempt decision latencies since the cutoff
// for the health endpoint's aggregates.
func (d *DB) DecisionLatencies(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT latency_ms FROM copy_attempts
		WHERE decided_at >= ? ORDER BY decided_at`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query latencies: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scan latency: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func joinReasons(reasons []types.ReasonCode) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func splitReasons(s string) []types.ReasonCode {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]types.ReasonCode, len(parts))
	for i, p := range parts {
		out[i] = types.ReasonCode(p)
	}
	return out
}
