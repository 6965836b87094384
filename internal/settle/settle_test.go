package settle

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polymarket-copytrader/internal/gamma"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

type fakePayouts struct {
	payouts map[string]gamma.Payout
	calls   int
}

func (f *fakePayouts) ResolvedPayout(_ context.Context, tokenID string) (gamma.Payout, error) {
	f.calls++
	return f.payouts[tokenID], nil
}

func newTestService(t *testing.T, payouts *fakePayouts) (*Service, *store.DB, *ledger.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(filepath.Join(t.TempDir(), "settle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.NewService(db, logger)
	users := func() []types.FollowedUser {
		return []types.FollowedUser{{ID: "u1", Enabled: true}}
	}
	return New(db, led, payouts, users, time.Minute, logger), db, led
}

func buyEntries(scope types.PortfolioScope, userID, asset, ref string, shares, cost int64) []types.LedgerEntry {
	return []types.LedgerEntry{{
		Scope:            scope,
		UserID:           userID,
		AssetID:          asset,
		MarketID:         "mkt-1",
		EntryType:        types.EntryTradeBuy,
		ShareDeltaMicros: shares,
		CashDeltaMicros:  -cost,
		RefID:            ref,
		CreatedAt:        time.Now().UTC(),
	}}
}

func TestSweepSettlesWinnerAndLoser(t *testing.T) {
	t.Parallel()
	payouts := &fakePayouts{payouts: map[string]gamma.Payout{
		"tok-win":  {Resolved: true, PayoutMicros: 1_000_000},
		"tok-lose": {Resolved: true, PayoutMicros: 0},
		"tok-open": {},
	}}
	svc, db, _ := newTestService(t, payouts)
	ctx := context.Background()

	// 100 winning shares at $60 cost, 50 losing shares at $20, one still
	// unresolved.
	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecGlobal, "", "tok-win", "g1", 100_000_000, 60_000_000)))
	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecGlobal, "", "tok-lose", "g2", 50_000_000, 20_000_000)))
	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecGlobal, "", "tok-open", "g3", 10_000_000, 5_000_000)))

	require.NoError(t, svc.Sweep(ctx))

	win, err := db.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-win")
	require.NoError(t, err)
	require.Zero(t, win)

	lose, err := db.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-lose")
	require.NoError(t, err)
	require.Zero(t, lose)

	open, err := db.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-open")
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), open)

	// Winner pays $100 in, loser pays nothing: cash went from -$85 to $15.
	cash, err := db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, int64(15_000_000), cash)
}

func TestSweepSecondPassIsNoOp(t *testing.T) {
	t.Parallel()
	payouts := &fakePayouts{payouts: map[string]gamma.Payout{
		"tok-win": {Resolved: true, PayoutMicros: 1_000_000},
	}}
	svc, db, _ := newTestService(t, payouts)
	ctx := context.Background()

	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecGlobal, "", "tok-win", "g1", 100_000_000, 60_000_000)))

	require.NoError(t, svc.Sweep(ctx))
	cashAfterFirst, err := db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)

	require.NoError(t, svc.Sweep(ctx))
	cashAfterSecond, err := db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, cashAfterFirst, cashAfterSecond)

	pos, err := db.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-win")
	require.NoError(t, err)
	require.Zero(t, pos)
}

func TestSweepSettlesEveryScope(t *testing.T) {
	t.Parallel()
	payouts := &fakePayouts{payouts: map[string]gamma.Payout{
		"tok-win": {Resolved: true, PayoutMicros: 1_000_000},
	}}
	svc, db, _ := newTestService(t, payouts)
	ctx := context.Background()

	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecGlobal, "", "tok-win", "g1", 100_000_000, 60_000_000)))
	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeExecUser, "u1", "tok-win", "g1", 100_000_000, 60_000_000)))
	require.NoError(t, db.AppendLedgerEntries(ctx,
		buyEntries(types.ScopeShadowUser, "u1", "tok-win", "s1", 500_000_000, 300_000_000)))

	require.NoError(t, svc.Sweep(ctx))

	for _, tc := range []struct {
		scope  types.PortfolioScope
		userID string
		cash   int64
	}{
		{types.ScopeExecGlobal, "", 40_000_000},
		{types.ScopeExecUser, "u1", 40_000_000},
		{types.ScopeShadowUser, "u1", 200_000_000},
	} {
		pos, err := db.PositionMicros(ctx, tc.scope, tc.userID, "tok-win")
		require.NoError(t, err)
		require.Zero(t, pos, "scope %s", tc.scope)

		cash, err := db.CashMicros(ctx, tc.scope, tc.userID)
		require.NoError(t, err)
		require.Equal(t, tc.cash, cash, "scope %s", tc.scope)
	}
}
