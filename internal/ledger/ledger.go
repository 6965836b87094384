// Package ledger layers double-entry accounting semantics over the
// persisted ledger rows.
//
// Every balance is derived, never stored: cash is the sum of cash deltas,
// a position the sum of share deltas, equity cash plus marked-to-market
// open positions. Idempotency lives in the storage constraint on
// (scope, refId, entryType); this package only decides what rows to write.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// Pricer resolves an asset to its current mid price. ok is false when no
// price is known; such positions are valued at cost.
type Pricer interface {
	PriceFor(ctx context.Context, assetID string) (int32, bool)
}

// PricerFunc adapts a function to the Pricer interface.
type PricerFunc func(ctx context.Context, assetID string) (int32, bool)

func (f PricerFunc) PriceFor(ctx context.Context, assetID string) (int32, bool) {
	return f(ctx, assetID)
}

// Service computes portfolio state from ledger rows.
type Service struct {
	db     *store.DB
	logger *slog.Logger
}

// NewService creates the accounting service.
func NewService(db *store.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger.With("component", "ledger")}
}

// EnsureInitialBankroll seeds a scope with its starting cash deposit.
// Safe to call on every start: the deposit ref is fixed, so reruns no-op.
func (s *Service) EnsureInitialBankroll(ctx context.Context, scope types.PortfolioScope, userID string, amountMicros int64) error {
	if amountMicros <= 0 {
		return nil
	}
	entry := types.LedgerEntry{
		Scope:           scope,
		UserID:          userID,
		RefID:           "initial-bankroll",
		EntryType:       types.EntryDeposit,
		CashDeltaMicros: amountMicros,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.db.AppendLedgerEntries(ctx, []types.LedgerEntry{entry}); err != nil {
		return fmt.Errorf("seed bankroll %s: %w", scope, err)
	}
	return nil
}

// Append persists prepared entries.
func (s *Service) Append(ctx context.Context, entries []types.LedgerEntry) error {
	return s.db.AppendLedgerEntries(ctx, entries)
}

// Valuation is a scope's derived portfolio state at one instant.
type Valuation struct {
	CashMicros          int64
	ExposureMicros      int64 // mark-to-market value of open positions
	EquityMicros        int64
	UnrealizedPnLMicros int64
	RealizedPnLMicros   int64
	Positions           []store.Position
}

// Valuate computes cash, exposure, and equity for a scope. Positions with
// no known price are valued at cost, which keeps unrealized at zero for
// them rather than pretending they went to zero.
func (s *Service) Valuate(ctx context.Context, scope types.PortfolioScope, userID string, pricer Pricer) (Valuation, error) {
	cash, err := s.db.CashMicros(ctx, scope, userID)
	if err != nil {
		return Valuation{}, err
	}
	positions, err := s.db.OpenPositions(ctx, scope, userID)
	if err != nil {
		return Valuation{}, err
	}

	deposits, err := s.db.DepositsMicros(ctx, scope, userID)
	if err != nil {
		return Valuation{}, err
	}

	var exposure, unrealized, value int64
	for _, p := range positions {
		value = p.CostMicros
		if price, ok := pricer.PriceFor(ctx, p.AssetID); ok {
			value = micros.Notional(p.ShareMicros, price)
		}
		exposure += micros.Abs(value)
		unrealized += value - p.CostMicros
	}

	equity := cash + exposure
	return Valuation{
		CashMicros:          cash,
		ExposureMicros:      exposure,
		EquityMicros:        equity,
		UnrealizedPnLMicros: unrealized,
		RealizedPnLMicros:   equity - deposits - unrealized,
		Positions:           positions,
	}, nil
}

// EquityMicros is Valuate reduced to the single number the sizing path
// needs.
func (s *Service) EquityMicros(ctx context.Context, scope types.PortfolioScope, userID string, pricer Pricer) (int64, error) {
	v, err := s.Valuate(ctx, scope, userID, pricer)
	if err != nil {
		return 0, err
	}
	return v.EquityMicros, nil
}

// PositionMicros returns net shares for one asset.
func (s *Service) PositionMicros(ctx context.Context, scope types.PortfolioScope, userID, assetID string) (int64, error) {
	return s.db.PositionMicros(ctx, scope, userID, assetID)
}

// MarketExposureMicros returns cash committed to one market's open
// positions, for the per-market exposure cap.
func (s *Service) MarketExposureMicros(ctx context.Context, scope types.PortfolioScope, userID, marketID string) (int64, error) {
	return s.db.MarketExposureMicros(ctx, scope, userID, marketID)
}

// ExecEntries builds the ledger rows for an executed copy attempt: shares
// in and cash out for a BUY, the reverse for a SELL. The same fill posts
// to the overall paper portfolio (EXEC_GLOBAL) and to the leader's
// attributed slice (EXEC_USER). RefID derives from the group key so
// redelivered groups collapse per scope.
func ExecEntries(attempt types.CopyAttempt) []types.LedgerEntry {
	entryType := types.EntryTradeBuy
	shares := attempt.FilledShareMicros
	cash := -attempt.FilledNotionalMicros
	if attempt.Side == types.SELL {
		entryType = types.EntryTradeSell
		shares = -attempt.FilledShareMicros
		cash = attempt.FilledNotionalMicros
	}
	entries := make([]types.LedgerEntry, 0, 2)
	for _, scope := range []types.PortfolioScope{types.ScopeExecGlobal, types.ScopeExecUser} {
		entries = append(entries, types.LedgerEntry{
			Scope:            scope,
			UserID:           scopeUser(scope, attempt.UserID),
			RefID:            attempt.GroupKey,
			EntryType:        entryType,
			AssetID:          attempt.AssetID,
			MarketID:         attempt.MarketID,
			ShareDeltaMicros: shares,
			CashDeltaMicros:  cash,
			PriceMicros:      attempt.VWAPMicros,
			CreatedAt:        attempt.CreatedAt,
		})
	}
	return entries
}

// ShadowEntries mirrors the leader's own fill into the SHADOW_USER scope
// at their price, regardless of our decision. The shadow portfolio answers
// "what if we had copied everything", so it accrues on skips too.
func ShadowEntries(group types.TradeGroup) []types.LedgerEntry {
	entryType := types.EntryTradeBuy
	shares := group.ShareMicros
	cash := -group.NotionalMicros
	if group.Side == types.SELL {
		entryType = types.EntryTradeSell
		shares = -group.ShareMicros
		cash = group.NotionalMicros
	}
	return []types.LedgerEntry{{
		Scope:            types.ScopeShadowUser,
		UserID:           group.UserID,
		RefID:            group.Key(),
		EntryType:        entryType,
		AssetID:          group.AssetID,
		MarketID:         group.MarketID,
		ShareDeltaMicros: shares,
		CashDeltaMicros:  cash,
		PriceMicros:      group.RefPriceMicros,
		CreatedAt:        time.Now().UTC(),
	}}
}

// SettlementEntries closes a resolved position: one row zeroes the shares,
// one credits the payout cash. Both carry SETTLEMENT type with distinct
// deterministic refIds; the cash row is omitted when the payout is zero.
// Per-user scopes fold the user into the ref so leaders holding the same
// token settle independently.
func SettlementEntries(scope types.PortfolioScope, userID string, pos store.Position, payoutMicros int32, now time.Time) []types.LedgerEntry {
	ref := "settle|" + pos.AssetID
	if userID != "" {
		ref = "settle|" + userID + "|" + pos.AssetID
	}
	entries := []types.LedgerEntry{{
		Scope:            scope,
		UserID:           userID,
		RefID:            ref + "|shares",
		EntryType:        types.EntrySettlement,
		AssetID:          pos.AssetID,
		MarketID:         pos.MarketID,
		ShareDeltaMicros: -pos.ShareMicros,
		PriceMicros:      payoutMicros,
		CreatedAt:        now,
	}}
	if payout := micros.Notional(pos.ShareMicros, payoutMicros); payout != 0 {
		entries = append(entries, types.LedgerEntry{
			Scope:           scope,
			UserID:          userID,
			RefID:           ref + "|cash",
			EntryType:       types.EntrySettlement,
			AssetID:         pos.AssetID,
			MarketID:        pos.MarketID,
			CashDeltaMicros: payout,
			PriceMicros:     payoutMicros,
			CreatedAt:       now,
		})
	}
	return entries
}

// scopeUser blanks the user for global scopes so their rows aggregate
// under one key.
func scopeUser(scope types.PortfolioScope, userID string) string {
	if scope == types.ScopeExecGlobal {
		return ""
	}
	return userID
}
