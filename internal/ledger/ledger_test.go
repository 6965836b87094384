package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fixedPrice(price int32) Pricer {
	return PricerFunc(func(context.Context, string) (int32, bool) { return price, true })
}

func noPrice() Pricer {
	return PricerFunc(func(context.Context, string) (int32, bool) { return 0, false })
}

func TestInitialBankrollIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureInitialBankroll(ctx, types.ScopeExecGlobal, "", 4_000_000_000))
	require.NoError(t, s.EnsureInitialBankroll(ctx, types.ScopeExecGlobal, "", 4_000_000_000))

	v, err := s.Valuate(ctx, types.ScopeExecGlobal, "", noPrice())
	require.NoError(t, err)
	require.Equal(t, int64(4_000_000_000), v.CashMicros)
	require.Equal(t, int64(4_000_000_000), v.EquityMicros)
}

func TestValuationMarksOpenPositions(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureInitialBankroll(ctx, types.ScopeExecGlobal, "", 1_000_000_000))

	// Buy 100 shares at $0.60: $60 out, position worth $60 at cost.
	attempt := types.CopyAttempt{
		Scope:                types.ScopeExecGlobal,
		AssetID:              "tok",
		MarketID:             "mkt",
		Side:                 types.BUY,
		GroupKey:             "u|tok|BUY|0xaa:0",
		FilledShareMicros:    100_000_000,
		FilledNotionalMicros: 60_000_000,
		VWAPMicros:           600_000,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, s.Append(ctx, ExecEntries(attempt)))

	// Price moves to $0.70: exposure $70, unrealized +$10.
	v, err := s.Valuate(ctx, types.ScopeExecGlobal, "", fixedPrice(700_000))
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000-60_000_000), v.CashMicros)
	require.Equal(t, int64(70_000_000), v.ExposureMicros)
	require.Equal(t, int64(10_000_000), v.UnrealizedPnLMicros)
	require.Equal(t, v.CashMicros+v.ExposureMicros, v.EquityMicros)

	// Without a price the position is valued at cost.
	v, err = s.Valuate(ctx, types.ScopeExecGlobal, "", noPrice())
	require.NoError(t, err)
	require.Equal(t, int64(60_000_000), v.ExposureMicros)
	require.Zero(t, v.UnrealizedPnLMicros)
}

func TestSellEntriesReverseSigns(t *testing.T) {
	t.Parallel()

	attempt := types.CopyAttempt{
		Scope:                types.ScopeExecGlobal,
		AssetID:              "tok",
		Side:                 types.SELL,
		GroupKey:             "u|tok|SELL|0xbb:1",
		FilledShareMicros:    50_000_000,
		FilledNotionalMicros: 30_000_000,
		VWAPMicros:           600_000,
		CreatedAt:            time.Now(),
	}
	entries := ExecEntries(attempt)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, types.EntryTradeSell, e.EntryType)
		require.Equal(t, int64(-50_000_000), e.ShareDeltaMicros)
		require.Equal(t, int64(30_000_000), e.CashDeltaMicros)
	}
	require.Equal(t, types.ScopeExecGlobal, entries[0].Scope)
	require.Equal(t, "", entries[0].UserID)
	require.Equal(t, types.ScopeExecUser, entries[1].Scope)
}

func TestShadowEntriesAccrueOnTheLeaderScope(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := context.Background()

	group := types.TradeGroup{
		UserID:         "0xleader",
		AssetID:        "tok",
		Side:           types.BUY,
		ShareMicros:    200_000_000,
		NotionalMicros: 120_000_000,
		RefPriceMicros: 600_000,
		TradeKeys:      []string{"0xcc:0"},
	}
	require.NoError(t, s.Append(ctx, ShadowEntries(group)))
	// Redelivery of the same group is absorbed by the refId constraint.
	require.NoError(t, s.Append(ctx, ShadowEntries(group)))

	shares, err := s.PositionMicros(ctx, types.ScopeShadowUser, "0xleader", "tok")
	require.NoError(t, err)
	require.Equal(t, int64(200_000_000), shares)
}

func TestSettlementEntriesOmitZeroPayout(t *testing.T) {
	t.Parallel()
	now := time.Now()
	pos := store.Position{AssetID: "tok", MarketID: "mkt", ShareMicros: 100_000_000, CostMicros: 60_000_000}

	won := SettlementEntries(types.ScopeExecGlobal, "", pos, 1_000_000, now)
	require.Len(t, won, 2)
	require.Equal(t, int64(-100_000_000), won[0].ShareDeltaMicros)
	require.Equal(t, int64(100_000_000), won[1].CashDeltaMicros)
	require.Equal(t, "settle|tok|shares", won[0].RefID)
	require.Equal(t, "settle|tok|cash", won[1].RefID)

	perUser := SettlementEntries(types.ScopeExecUser, "u1", pos, 1_000_000, now)
	require.Equal(t, "settle|u1|tok|shares", perUser[0].RefID,
		"per-user scopes need user-qualified refs")

	lost := SettlementEntries(types.ScopeExecGlobal, "", pos, 0, now)
	require.Len(t, lost, 1)
	require.Equal(t, int64(-100_000_000), lost[0].ShareDeltaMicros)
}
