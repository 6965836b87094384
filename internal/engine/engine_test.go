package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

type fakeBooks struct{ book *types.NormalizedBook }

func (f *fakeBooks) GetFreshOrWait(_ context.Context, _ string, _ time.Duration) *types.NormalizedBook {
	return f.book
}

type fakeConfigs struct{ cfg types.CopyConfig }

func (f *fakeConfigs) Effective(_ context.Context, _ string) (types.CopyConfig, error) {
	return f.cfg, nil
}

type fakePauses struct{ paused bool }

func (f *fakePauses) Paused(_ context.Context) (bool, error) { return f.paused, nil }

type fakeUsers struct{ disabled map[string]bool }

func (f *fakeUsers) Enabled(userID string) bool { return !f.disabled[userID] }

type fakeMarkets struct {
	closeTime time.Time
	known     bool
}

func (f *fakeMarkets) CloseTime(_ context.Context, _ string) (time.Time, bool) {
	return f.closeTime, f.known
}

type testRig struct {
	engine  *Engine
	db      *store.DB
	ledger  *ledger.Service
	pauses  *fakePauses
	configs *fakeConfigs
	pricer  ledger.Pricer
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.NewService(db, logger)
	require.NoError(t, led.EnsureInitialBankroll(context.Background(),
		types.ScopeExecGlobal, "", 1_000_000_000))

	pricer := ledger.PricerFunc(func(_ context.Context, _ string) (int32, bool) {
		return 600_000, true
	})
	configs := &fakeConfigs{cfg: types.CopyConfig{
		Sizing: types.Sizing{
			Mode:               types.SizingFixedRate,
			CopyPctNotionalBps: 10_000, // copy 1:1
		},
		Guardrails: types.Guardrails{
			MaxWorseningVsTheirFillMicros: 10_000,
			MaxOverMidMicros:              15_000,
		},
	}}
	pauses := &fakePauses{}

	eng := New(Config{BookWait: 10 * time.Millisecond},
		&fakeBooks{book: testBook()}, configs, pauses,
		&fakeUsers{}, &fakeMarkets{}, led, db, pricer, logger)

	return &testRig{engine: eng, db: db, ledger: led, pauses: pauses, configs: configs, pricer: pricer}
}

func leaderGroup() types.TradeGroup {
	now := time.Now().UTC()
	return types.TradeGroup{
		UserID:         "u1",
		AssetID:        "tok-1",
		MarketID:       "mkt-1",
		Side:           types.BUY,
		ShareMicros:    100_000_000, // 100 shares
		NotionalMicros: 60_000_000,  // $60
		RefPriceMicros: 600_000,
		FirstEventTime: now,
		LastEventTime:  now,
		TradeKeys:      []string{"0xabc:0"},
		SourceType:     types.SourceImmediate,
	}
}

func TestProcessGroupExecutesAndPostsAllScopes(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()
	group := leaderGroup()

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	attempt, err := rig.db.AttemptByGroup(ctx, group.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionExecute, attempt.Decision)
	require.Equal(t, int64(60_000_000), attempt.TargetNotionalMicros)
	require.Equal(t, int64(60_000_000), attempt.FilledNotionalMicros)
	require.Equal(t, int64(100_000_000), attempt.FilledShareMicros)
	require.Equal(t, int32(600_000), attempt.VWAPMicros)
	require.Equal(t, int64(10_000), attempt.FilledRatioBps)
	require.Len(t, attempt.Fills, 1)

	// Executed copy lands in the global book and the leader's slice; the
	// leader's own fill lands in the shadow book.
	global, err := rig.ledger.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), global)

	perUser, err := rig.ledger.PositionMicros(ctx, types.ScopeExecUser, "u1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), perUser)

	shadow, err := rig.ledger.PositionMicros(ctx, types.ScopeShadowUser, "u1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), shadow)

	cash, err := rig.db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, int64(940_000_000), cash)
}

func TestProcessGroupRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()
	group := leaderGroup()

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))
	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	global, err := rig.ledger.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), global, "redelivery must not double-post")

	cash, err := rig.db.CashMicros(ctx, types.ScopeExecGlobal, "")
	require.NoError(t, err)
	require.Equal(t, int64(940_000_000), cash)
}

func TestProcessGroupPausedSkipsButShadows(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.pauses.paused = true
	ctx := context.Background()
	group := leaderGroup()

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	attempt, err := rig.db.AttemptByGroup(ctx, group.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionSkip, attempt.Decision)
	require.Contains(t, attempt.Reasons, types.ReasonEnginePaused)

	global, err := rig.ledger.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-1")
	require.NoError(t, err)
	require.Zero(t, global)

	// The shadow mirror keeps accruing while we sit out.
	shadow, err := rig.ledger.PositionMicros(ctx, types.ScopeShadowUser, "u1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), shadow)
}

func TestProcessGroupSellWithoutPositionSkips(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()
	group := leaderGroup()
	group.Side = types.SELL
	group.TradeKeys = []string{"0xdef:0"}

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	attempt, err := rig.db.AttemptByGroup(ctx, group.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionSkip, attempt.Decision)
	require.Contains(t, attempt.Reasons, types.ReasonNotEnoughPositionToSell)
}

func TestProcessGroupSellClampedToHeldPosition(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	// Buy 100 shares first, then the leader sells 1000.
	require.NoError(t, rig.engine.ProcessGroup(ctx, leaderGroup()))

	sell := leaderGroup()
	sell.Side = types.SELL
	sell.ShareMicros = 1_000_000_000
	sell.NotionalMicros = 590_000_000
	sell.RefPriceMicros = 590_000
	sell.TradeKeys = []string{"0xdef:0"}

	require.NoError(t, rig.engine.ProcessGroup(ctx, sell))

	attempt, err := rig.db.AttemptByGroup(ctx, sell.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionExecute, attempt.Decision)
	require.Equal(t, int64(100_000_000), attempt.FilledShareMicros,
		"sell must be clamped to the held position")

	global, err := rig.ledger.PositionMicros(ctx, types.ScopeExecGlobal, "", "tok-1")
	require.NoError(t, err)
	require.Zero(t, global)
}

func TestProcessGroupBuffersSmallTargets(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.configs.cfg.Guardrails.NotionalThresholdMicros = 100_000_000
	rig.configs.cfg.Guardrails.FlushMinNotionalMicros = 500_000_000
	rig.configs.cfg.Guardrails.MinExecNotionalMicros = 1_000_000

	buf := NewBuffer(rig.engine.SubmitBufferFlush, rig.engine.RecordBufferSkip,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	rig.engine.SetBuffer(buf)
	ctx := context.Background()
	group := leaderGroup()

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	attempt, err := rig.db.AttemptByGroup(ctx, group.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionSkip, attempt.Decision)
	require.Contains(t, attempt.Reasons, types.ReasonBuffered)
	require.Equal(t, 1, buf.Pending())

	// Flushing submits a synthetic group through the pipeline under a key
	// that cannot collide with the immediate SKIP row.
	buf.FlushAll(ctx)
	flushed, err := rig.db.AttemptByGroup(ctx, group.Key()+"|buffer", types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, flushed)
	require.Equal(t, types.DecisionExecute, flushed.Decision)
	require.Equal(t, types.SourceBuffer, flushed.SourceType)

	// Exactly one shadow post for the underlying trade.
	shadow, err := rig.ledger.PositionMicros(ctx, types.ScopeShadowUser, "u1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), shadow)
}

func TestProcessGroupDisabledUserSkips(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.engine.users = &fakeUsers{disabled: map[string]bool{"u1": true}}
	ctx := context.Background()
	group := leaderGroup()

	require.NoError(t, rig.engine.ProcessGroup(ctx, group))

	attempt, err := rig.db.AttemptByGroup(ctx, group.Key(), types.ScopeExecGlobal)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	require.Equal(t, types.DecisionSkip, attempt.Decision)
	require.Contains(t, attempt.Reasons, types.ReasonUserDisabled)
}
