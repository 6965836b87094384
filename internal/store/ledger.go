package store

import (
	"context"
	"database/sql"
	"fmt"

	"polymarket-copytrader/pkg/types"
)

// Position is an aggregate over ledger rows for one (scope, asset).
type Position struct {
	AssetID      string
	MarketID     string
	ShareMicros  int64
	CostMicros   int64 // net cash spent acquiring the position (negative cash deltas)
}

func insertLedgerEntryTx(ctx context.Context, tx *sql.Tx, e types.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			portfolio_scope, user_id, ref_id, entry_type,
			asset_id, market_id, share_micros, cash_micros, price_micros, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (portfolio_scope, ref_id, entry_type) DO NOTHING`,
		e.Scope, e.UserID, e.RefID, e.EntryType,
		e.AssetID, e.MarketID, e.ShareDeltaMicros, e.CashDeltaMicros, e.PriceMicros, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert ledger entry %s/%s: %w", e.RefID, e.EntryType, err)
	}
	return nil
}

// AppendLedgerEntries writes entries atomically. Duplicate
// (scope, refId, entryType) rows are silently skipped.
func (d *DB) AppendLedgerEntries(ctx context.Context, entries []types.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := insertLedgerEntryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// CashMicros sums cash deltas for a scope. userID filters per-leader scopes;
// pass "" for global scopes.
func (d *DB) CashMicros(ctx context.Context, scope types.PortfolioScope, userID string) (int64, error) {
	var cash sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT SUM(cash_micros) FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ?`, scope, userID).Scan(&cash)
	if err != nil {
		return 0, fmt.Errorf("sum cash: %w", err)
	}
	return cash.Int64, nil
}

// PositionMicros returns net shares held for one (scope, asset).
func (d *DB) PositionMicros(ctx context.Context, scope types.PortfolioScope, userID, assetID string) (int64, error) {
	var shares sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT SUM(share_micros) FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ? AND asset_id = ?`,
		scope, userID, assetID).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("sum position: %w", err)
	}
	return shares.Int64, nil
}

// OpenPositions returns every asset with a non-zero share balance for a
// scope, with the net cash spent on it.
func (d *DB) OpenPositions(ctx context.Context, scope types.PortfolioScope, userID string) ([]Position, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT asset_id, MAX(market_id), SUM(share_micros), -SUM(cash_micros)
		FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ? AND asset_id != ''
		GROUP BY asset_id
		HAVING SUM(share_micros) != 0`, scope, userID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AssetID, &p.MarketID, &p.ShareMicros, &p.CostMicros); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DepositsMicros sums deposit rows for a scope, the baseline realized-PnL
// computations subtract from equity.
func (d *DB) DepositsMicros(ctx context.Context, scope types.PortfolioScope, userID string) (int64, error) {
	var cash sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT SUM(cash_micros) FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ? AND entry_type = ?`,
		scope, userID, types.EntryDeposit).Scan(&cash)
	if err != nil {
		return 0, fmt.Errorf("sum deposits: %w", err)
	}
	return cash.Int64, nil
}

// MarketExposureMicros sums cash spent on open positions in one market for
// the per-market exposure guardrail.
func (d *DB) MarketExposureMicros(ctx context.Context, scope types.PortfolioScope, userID, marketID string) (int64, error) {
	var cash sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT -SUM(cash_micros) FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ? AND market_id = ? AND asset_id != ''`,
		scope, userID, marketID).Scan(&cash)
	if err != nil {
		return 0, fmt.Errorf("sum market exposure: %w", err)
	}
	return cash.Int64, nil
}

// SettledAssets returns asset ids that already carry a SETTLEMENT entry for
// the scope and user, so the settlement loop can skip them.
func (d *DB) SettledAssets(ctx context.Context, scope types.PortfolioScope, userID string) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT asset_id FROM ledger_entries
		WHERE portfolio_scope = ? AND user_id = ? AND entry_type = ?`,
		scope, userID, types.EntrySettlement)
	if err != nil {
		return nil, fmt.Errorf("query settled assets: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, fmt.Errorf("scan settled asset: %w", err)
		}
		out[asset] = true
	}
	return out, rows.Err()
}
