package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polymarket-copytrader/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTrade(txHash string, logIndex uint) types.TradeEvent {
	now := time.Now().UTC().Truncate(time.Second)
	return types.TradeEvent{
		TxHash:         txHash,
		LogIndex:       logIndex,
		Source:         types.TradeSourceChain,
		UserID:         "0xleader",
		TokenID:        "123456",
		AssetID:        "123456",
		Side:           types.BUY,
		PriceMicros:    600_000,
		ShareMicros:    100_000_000,
		NotionalMicros: 60_000_000,
		EventTime:      now,
		DetectTime:     now,
		Enrichment:     types.EnrichPending,
	}
}

func TestTradeEventUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	inserted, err := db.UpsertTradeEvent(ctx, sampleTrade("0xbeef", 3))
	require.NoError(t, err)
	require.True(t, inserted, "first delivery must insert")

	inserted, err = db.UpsertTradeEvent(ctx, sampleTrade("0xbeef", 3))
	require.NoError(t, err)
	require.False(t, inserted, "second delivery must be a no-op")

	trades, err := db.TradeEventsSince(ctx, "0xleader", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "0xbeef:3", trades[0].Key())
}

func TestPendingEnrichmentLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertTradeEvent(ctx, sampleTrade("0xaaa", 1))
	require.NoError(t, err)

	pending, err := db.PendingEnrichment(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	err = db.MarkTradeEnriched(ctx, "0xaaa", 1, types.EnrichEnriched, "mkt-1", "0xcond", "123456")
	require.NoError(t, err)

	pending, err = db.PendingEnrichment(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestLedgerUniquenessAndAggregates(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	entry := types.LedgerEntry{
		Scope:            types.ScopeExecGlobal,
		RefID:            "grp-1",
		EntryType:        types.EntryTradeBuy,
		AssetID:          "123456",
		MarketID:         "mkt-1",
		ShareDeltaMicros: 100_000_000,
		CashDeltaMicros:  -60_000_000,
		PriceMicros:      600_000,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, db.AppendLedgerEntries(ctx, []types.LedgerEntry{entry}))
	// Redelivery of the same (scope, refId, entryType) must not double-count.
	require.NoError(t, db.AppendLedgerEntries(ctx, []types.LedgerEntry{entry}))

	shares, err := db.PositionMicros(ctx, types.ScopeExecGlobal, "", "123456")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), shares)

	cash, err := db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, int64(-60_000_000), cash)

	positions, err := db.OpenPositions(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, int64(60_000_000), positions[0].CostMicros)
}

func TestSaveDecisionIdempotentWithFills(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	attempt := types.CopyAttempt{
		Scope:                types.ScopeExecGlobal,
		UserID:               "0xleader",
		AssetID:              "123456",
		Side:                 types.BUY,
		GroupKey:             "0xleader|123456|BUY|0xbeef:3",
		Decision:             types.DecisionExecute,
		TheirNotionalMicros:  60_000_000,
		TheirShareMicros:     100_000_000,
		TargetNotionalMicros: 600_000,
		FilledNotionalMicros: 600_000,
		FilledShareMicros:    1_000_000,
		FilledRatioBps:       10_000,
		VWAPMicros:           600_000,
		RefPriceMicros:       600_000,
		SourceType:           types.SourceImmediate,
		Fills:                []types.ExecutableFill{{PriceMicros: 600_000, ShareMicros: 1_000_000, NotionalMicros: 600_000}},
		CreatedAt:            time.Now(),
	}
	entries := []types.LedgerEntry{{
		Scope:            types.ScopeExecGlobal,
		RefID:            attempt.GroupKey,
		EntryType:        types.EntryTradeBuy,
		AssetID:          "123456",
		ShareDeltaMicros: 1_000_000,
		CashDeltaMicros:  -600_000,
		PriceMicros:      600_000,
		CreatedAt:        time.Now(),
	}}

	require.NoError(t, db.SaveDecision(ctx, attempt, entries))
	require.NoError(t, db.SaveDecision(ctx, attempt, entries), "redelivery must be a no-op")

	got, err := db.AttemptByGroup(ctx, attempt.GroupKey, types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, types.DecisionExecute, got.Decision)
	require.Len(t, got.Fills, 1)
	require.Equal(t, int64(600_000), got.Fills[0].NotionalMicros)

	cash, err := db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, int64(-600_000), cash)
}

func TestPortfolioSnapshotUpsertGlobalRow(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	bucket := time.Now().UTC().Truncate(time.Minute)

	snap := types.PortfolioSnapshot{
		Scope:        types.ScopeExecGlobal,
		UserID:       "", // global row stores NULL
		BucketTime:   bucket,
		EquityMicros: 4_000_000_000,
		CashMicros:   3_000_000_000,
	}
	require.NoError(t, db.UpsertPortfolioSnapshot(ctx, snap))

	snap.EquityMicros = 4_100_000_000
	require.NoError(t, db.UpsertPortfolioSnapshot(ctx, snap))

	got, err := db.LatestPortfolioSnapshot(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(4_100_000_000), got.EquityMicros)
}

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	block, err := db.LastBlock(ctx)
	require.NoError(t, err)
	require.Zero(t, block)

	require.NoError(t, db.SaveLastBlock(ctx, 7_000_000))
	block, err = db.LastBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7_000_000), block)

	paused, err := db.Paused(ctx)
	require.NoError(t, err)
	require.False(t, paused)
	require.NoError(t, db.SetPaused(ctx, true))
	paused, err = db.Paused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	cursor := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveReconcileCursor(ctx, "0xleader", cursor))
	got, err := db.ReconcileCursor(ctx, "0xleader")
	require.NoError(t, err)
	require.True(t, got.Equal(cursor))
}

func TestConfigStoreEffectiveFallsBackFieldByField(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	cs := NewConfigStore(db, time.Millisecond)

	global := types.CopyConfig{
		Sizing: types.Sizing{
			Mode:                   types.SizingFixedRate,
			CopyPctNotionalBps:     100,
			MinTradeNotionalMicros: 5_000_000,
			MaxTradeNotionalMicros: 500_000_000,
		},
		Guardrails: types.Guardrails{
			MaxSpreadMicros: 50_000,
			Netting:         types.NettingSameSideOnly,
		},
	}
	require.NoError(t, cs.Save(ctx, global))

	leader := types.CopyConfig{
		UserID: "0xleader",
		Sizing: types.Sizing{CopyPctNotionalBps: 250},
	}
	require.NoError(t, cs.Save(ctx, leader))

	eff, err := cs.Effective(ctx, "0xleader")
	require.NoError(t, err)
	require.Equal(t, int64(250), eff.Sizing.CopyPctNotionalBps, "per-leader override wins")
	require.Equal(t, int64(5_000_000), eff.Sizing.MinTradeNotionalMicros, "unset fields fall back to global")
	require.Equal(t, int32(50_000), eff.Guardrails.MaxSpreadMicros)

	// A leader with no override sees the global config unchanged.
	eff, err = cs.Effective(ctx, "0xother")
	require.NoError(t, err)
	require.Equal(t, int64(100), eff.Sizing.CopyPctNotionalBps)
}
