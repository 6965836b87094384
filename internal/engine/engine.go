package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// BookProvider is the slice of the book cache the decision path needs.
type BookProvider interface {
	GetFreshOrWait(ctx context.Context, assetID string, wait time.Duration) *types.NormalizedBook
}

// ConfigProvider resolves the effective per-leader configuration.
type ConfigProvider interface {
	Effective(ctx context.Context, userID string) (types.CopyConfig, error)
}

// PauseProvider reads the engine kill-switch.
type PauseProvider interface {
	Paused(ctx context.Context) (bool, error)
}

// UserDirectory answers whether a followed user is enabled for copying.
// Disabled users still accrue shadow ledger rows.
type UserDirectory interface {
	Enabled(userID string) bool
}

// MarketInfo supplies close times for the near-close guardrail. ok is
// false when the close time is unknown; lookups must not block the
// decision on metadata outages.
type MarketInfo interface {
	CloseTime(ctx context.Context, assetID string) (time.Time, bool)
}

// Config tunes the engine.
type Config struct {
	Scope    types.PortfolioScope
	BookWait time.Duration // max wait for a fresh book
}

// Engine is the copy decision hot path: size, bound, simulate, guard,
// commit. The copy-attempt queue runs a single consumer so decisions stay
// FIFO per scope.
type Engine struct {
	cfg     Config
	books   BookProvider
	configs ConfigProvider
	pauses  PauseProvider
	users   UserDirectory
	markets MarketInfo
	ledger  *ledger.Service
	db      *store.DB
	pricer  ledger.Pricer
	buffer  *Buffer
	logger  *slog.Logger

	processed atomic.Int64
	executed  atomic.Int64
	skipped   atomic.Int64
}

// New creates the engine. Attach the small-trade buffer afterwards with
// SetBuffer; the two reference each other.
func New(cfg Config, books BookProvider, configs ConfigProvider, pauses PauseProvider, users UserDirectory, markets MarketInfo, led *ledger.Service, db *store.DB, pricer ledger.Pricer, logger *slog.Logger) *Engine {
	if cfg.Scope == "" {
		cfg.Scope = types.ScopeExecGlobal
	}
	if cfg.BookWait <= 0 {
		cfg.BookWait = 1500 * time.Millisecond
	}
	return &Engine{
		cfg:     cfg,
		books:   books,
		configs: configs,
		pauses:  pauses,
		users:   users,
		markets: markets,
		ledger:  led,
		db:      db,
		pricer:  pricer,
		logger:  logger.With("component", "engine"),
	}
}

// SetBuffer wires the small-trade buffer.
func (e *Engine) SetBuffer(b *Buffer) { e.buffer = b }

// Stats reports decision counters for the health endpoint.
func (e *Engine) Stats() (processed, executed, skipped int64) {
	return e.processed.Load(), e.executed.Load(), e.skipped.Load()
}

// HandleJob consumes one copy-attempt queue job.
func (e *Engine) HandleJob(ctx context.Context, payload []byte) error {
	var group types.TradeGroup
	if err := json.Unmarshal(payload, &group); err != nil {
		return fmt.Errorf("unmarshal trade group: %w", err)
	}
	return e.ProcessGroup(ctx, group)
}

// ProcessGroup runs the full decision pipeline for one group. Every path
// ends in one persisted CopyAttempt; immediate groups also post the
// leader's fill to the shadow ledger regardless of the decision.
func (e *Engine) ProcessGroup(ctx context.Context, group types.TradeGroup) error {
	e.processed.Add(1)
	started := time.Now()

	cfg, err := e.configs.Effective(ctx, group.UserID)
	if err != nil {
		return fmt.Errorf("load config for %s: %w", group.UserID, err)
	}
	attempt := e.newAttempt(group)

	// Kill-switches.
	if paused, err := e.pauses.Paused(ctx); err != nil {
		return fmt.Errorf("read pause flag: %w", err)
	} else if paused {
		return e.commitSkip(ctx, group, attempt, started, types.ReasonEnginePaused)
	}
	if e.users != nil && !e.users.Enabled(group.UserID) {
		return e.commitSkip(ctx, group, attempt, started, types.ReasonUserDisabled)
	}
	if isBlacklisted(group.MarketID, cfg.Guardrails.BlacklistedMarkets) {
		return e.commitSkip(ctx, group, attempt, started, types.ReasonMarketBlacklisted)
	}

	// Sizing.
	equity, err := e.ledger.EquityMicros(ctx, e.cfg.Scope, "", e.pricer)
	if err != nil {
		return fmt.Errorf("equity: %w", err)
	}
	leaderExposure := int64(0)
	if cfg.Sizing.Mode == types.SizingBudgeted {
		v, err := e.ledger.Valuate(ctx, types.ScopeShadowUser, group.UserID, e.pricer)
		if err != nil {
			return fmt.Errorf("leader exposure: %w", err)
		}
		leaderExposure = v.ExposureMicros
	}
	sizing := ComputeTarget(cfg.Sizing, group.NotionalMicros, leaderExposure, equity)
	attempt.TargetNotionalMicros = sizing.TargetNotionalMicros
	attempt.EffectiveRateBps = sizing.EffectiveRateBps
	attempt.Reasons = append(attempt.Reasons, sizing.Reasons...)

	// Small-trade buffer. Only immediate groups buffer; flushed groups
	// re-enter marked SourceBuffer and must not loop.
	if group.SourceType == types.SourceImmediate && e.buffer != nil &&
		cfg.Guardrails.NotionalThresholdMicros > 0 &&
		sizing.TargetNotionalMicros < cfg.Guardrails.NotionalThresholdMicros {
		e.buffer.Add(ctx, group, cfg.Guardrails)
		return e.commitSkip(ctx, group, attempt, started, types.ReasonBuffered)
	}

	// Book and price bounds.
	book := e.books.GetFreshOrWait(ctx, group.AssetID, e.cfg.BookWait)
	bound := PriceBound(group.Side, group.RefPriceMicros, book.MidMicros,
		cfg.Guardrails.MaxWorseningVsTheirFillMicros, cfg.Guardrails.MaxOverMidMicros)

	if reasons := checkSpread(book, cfg.Guardrails.MaxSpreadMicros); len(reasons) > 0 {
		return e.commitSkip(ctx, group, attempt, started, reasons...)
	}

	// Simulation. The share target derives from the notional target at
	// their fill price; SELLs are capped at the position we hold.
	targetShares := micros.SharesForNotional(sizing.TargetNotionalMicros, group.RefPriceMicros)
	if group.Side == types.SELL {
		held, err := e.ledger.PositionMicros(ctx, e.cfg.Scope, "", group.AssetID)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		if held <= 0 {
			return e.commitSkip(ctx, group, attempt, started, types.ReasonNotEnoughPositionToSell)
		}
		if targetShares > held {
			targetShares = held
		}
	}
	sim := Simulate(book, group.Side, targetShares, bound)

	if reasons := checkDepth(sim.AvailableNotionalMicros, sizing.TargetNotionalMicros, cfg.Guardrails.MinDepthMultiplierBps); len(reasons) > 0 {
		return e.commitSkip(ctx, group, attempt, started, reasons...)
	}
	if reasons := checkPostSim(group.Side, sim, group.RefPriceMicros, book.MidMicros, cfg.Guardrails); len(reasons) > 0 {
		return e.commitSkip(ctx, group, attempt, started, reasons...)
	}

	// Exposure caps.
	exposure, err := e.exposureState(ctx, group)
	if err != nil {
		return err
	}
	if reasons := checkExposureCaps(group.Side, sim.FilledNotionalMicros, exposure, cfg.Guardrails); len(reasons) > 0 {
		return e.commitSkip(ctx, group, attempt, started, reasons...)
	}

	// Close-time filter.
	if closeTime, ok := e.markets.CloseTime(ctx, group.AssetID); ok {
		if reasons := checkCloseTime(group.Side, closeTime, time.Now(), cfg.Guardrails.NoNewOpensWithinMinutesToClose); len(reasons) > 0 {
			return e.commitSkip(ctx, group, attempt, started, reasons...)
		}
	}

	// Circuit breakers.
	breakers, err := e.breakerState(ctx, exposure.EquityMicros)
	if err != nil {
		return fmt.Errorf("breaker state: %w", err)
	}
	if reasons := checkCircuitBreakers(breakers, cfg.Guardrails); len(reasons) > 0 {
		return e.commitSkip(ctx, group, attempt, started, reasons...)
	}

	// Realism delay.
	e.sleepRealism(ctx, cfg.Guardrails)

	attempt.Decision = types.DecisionExecute
	attempt.FilledNotionalMicros = sim.FilledNotionalMicros
	attempt.FilledShareMicros = sim.FilledShareMicros
	attempt.FilledRatioBps = sim.FilledRatioBps
	attempt.VWAPMicros = sim.VWAPMicros
	attempt.Fills = sim.Fills
	attempt.LatencyMs = time.Since(started).Milliseconds()
	attempt.CreatedAt = time.Now().UTC()

	entries := ledger.ExecEntries(attempt)
	entries = append(entries, e.shadowEntries(group)...)
	if err := e.db.SaveDecision(ctx, attempt, entries); err != nil {
		return fmt.Errorf("commit execute: %w", err)
	}

	e.executed.Add(1)
	e.logger.Info("copy executed",
		"group", attempt.GroupKey, "user", group.UserID, "side", group.Side,
		"target", attempt.TargetNotionalMicros, "filled", attempt.FilledNotionalMicros,
		"vwap", attempt.VWAPMicros, "ratioBps", attempt.FilledRatioBps,
		"rateBps", attempt.EffectiveRateBps, "latencyMs", attempt.LatencyMs)
	return nil
}

// RecordBufferSkip persists the SKIP attempt for a buffer flush that came
// in under the minimum executable notional.
func (e *Engine) RecordBufferSkip(ctx context.Context, group types.TradeGroup) {
	attempt := e.newAttempt(group)
	if err := e.commitSkip(ctx, group, attempt, time.Now(), types.ReasonBufferBelowMinExec); err != nil {
		e.logger.Error("record buffer skip", "group", attempt.GroupKey, "error", err)
	}
}

// SubmitBufferFlush is the buffer's submit callback: the synthetic group
// goes through the full pipeline like any other.
func (e *Engine) SubmitBufferFlush(ctx context.Context, group types.TradeGroup) {
	if err := e.ProcessGroup(ctx, group); err != nil {
		e.logger.Error("process buffer flush", "group", group.Key(), "error", err)
	}
}

func (e *Engine) newAttempt(group types.TradeGroup) types.CopyAttempt {
	return types.CopyAttempt{
		Scope:               e.cfg.Scope,
		UserID:              group.UserID,
		AssetID:             group.AssetID,
		MarketID:            group.MarketID,
		Side:                group.Side,
		GroupKey:            attemptKey(group),
		TheirNotionalMicros: group.NotionalMicros,
		TheirShareMicros:    group.ShareMicros,
		RefPriceMicros:      group.RefPriceMicros,
		SourceType:          group.SourceType,
		BufferedTradeCount:  group.BufferedTradeCount,
	}
}

// commitSkip persists a SKIP attempt with its accumulated reasons plus the
// shadow ledger rows that keep the leader's mirror accurate.
func (e *Engine) commitSkip(ctx context.Context, group types.TradeGroup, attempt types.CopyAttempt, started time.Time, reasons ...types.ReasonCode) error {
	attempt.Decision = types.DecisionSkip
	attempt.Reasons = append(attempt.Reasons, reasons...)
	attempt.LatencyMs = time.Since(started).Milliseconds()
	attempt.CreatedAt = time.Now().UTC()

	if err := e.db.SaveDecision(ctx, attempt, e.shadowEntries(group)); err != nil {
		return fmt.Errorf("commit skip: %w", err)
	}
	e.skipped.Add(1)
	e.logger.Info("copy skipped",
		"group", attempt.GroupKey, "user", group.UserID, "side", group.Side,
		"reasons", attempt.Reasons)
	return nil
}

// shadowEntries mirrors the leader's fill once per original group. Buffer
// flush groups aggregate trades whose shadow rows were posted when the
// trades were first buffered, so they add none.
func (e *Engine) shadowEntries(group types.TradeGroup) []types.LedgerEntry {
	if group.SourceType != types.SourceImmediate {
		return nil
	}
	return ledger.ShadowEntries(group)
}

func (e *Engine) exposureState(ctx context.Context, group types.TradeGroup) (exposureState, error) {
	valuation, err := e.ledger.Valuate(ctx, e.cfg.Scope, "", e.pricer)
	if err != nil {
		return exposureState{}, fmt.Errorf("valuation: %w", err)
	}
	marketExposure, err := e.ledger.MarketExposureMicros(ctx, e.cfg.Scope, "", group.MarketID)
	if err != nil {
		return exposureState{}, fmt.Errorf("market exposure: %w", err)
	}
	userValuation, err := e.ledger.Valuate(ctx, types.ScopeExecUser, group.UserID, e.pricer)
	if err != nil {
		return exposureState{}, fmt.Errorf("user exposure: %w", err)
	}
	return exposureState{
		EquityMicros:         valuation.EquityMicros,
		TotalExposureMicros:  valuation.ExposureMicros,
		MarketExposureMicros: marketExposure,
		UserExposureMicros:   userValuation.ExposureMicros,
	}, nil
}

func (e *Engine) breakerState(ctx context.Context, equity int64) (breakerState, error) {
	var st breakerState
	now := time.Now().UTC()

	if dayStart, ok, err := e.db.EquityAsOf(ctx, e.cfg.Scope, "", now.Truncate(24*time.Hour)); err != nil {
		return st, err
	} else if ok && dayStart > 0 {
		st.DailyPnLBps = micros.MulDiv(equity-dayStart, 10_000, dayStart)
	}
	if weekStart, ok, err := e.db.EquityAsOf(ctx, e.cfg.Scope, "", now.AddDate(0, 0, -7)); err != nil {
		return st, err
	} else if ok && weekStart > 0 {
		st.WeeklyPnLBps = micros.MulDiv(equity-weekStart, 10_000, weekStart)
	}
	if peak, ok, err := e.db.PeakEquity(ctx, e.cfg.Scope, ""); err != nil {
		return st, err
	} else if ok && peak > equity && peak > 0 {
		st.DrawdownBps = micros.MulDiv(peak-equity, 10_000, peak)
	}
	return st, nil
}

func (e *Engine) sleepRealism(ctx context.Context, g types.Guardrails) {
	delay := time.Duration(g.DecisionLatencyMs) * time.Millisecond
	if g.JitterMsMax > 0 {
		delay += time.Duration(rand.Int63n(g.JitterMsMax)) * time.Millisecond
	}
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// attemptKey namespaces buffer-synthesized groups so their attempt rows
// and ledger refs never collide with the immediate SKIP recorded when the
// trades were first buffered.
func attemptKey(group types.TradeGroup) string {
	if group.SourceType == types.SourceBuffer {
		return group.Key() + "|buffer"
	}
	return group.Key()
}
