// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy trader — portfolio
// scopes, canonical trade events, ledger entries, copy attempts, and the
// normalized order book. It has no dependencies on internal packages, so it
// can be imported by any layer.
//
// All monetary quantities are signed 64-bit integer micros (1 USD =
// 1,000,000 micros). Prices are 32-bit integer micros constrained to
// (0, 1,000,000). Shares are 64-bit integer micros. Decision logic never
// touches floating point.
package types

import (
	"strconv"
	"time"
)

// PriceScale is the fixed-point denominator: 1.00 == 1,000,000 micros.
const PriceScale = 1_000_000

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a fill from the followed wallet's perspective.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PortfolioScope identifies which paper book a ledger entry or copy attempt
// belongs to.
type PortfolioScope string

const (
	// ScopeShadowUser mirrors a leader's full notional, as if we copied 1:1.
	ScopeShadowUser PortfolioScope = "SHADOW_USER"
	// ScopeExecUser is a leader's attributed slice of the executed portfolio.
	ScopeExecUser PortfolioScope = "EXEC_USER"
	// ScopeExecGlobal is the overall paper portfolio we actually copy into.
	ScopeExecGlobal PortfolioScope = "EXEC_GLOBAL"
)

// EntryType enumerates double-entry ledger row types.
type EntryType string

const (
	EntryTradeBuy   EntryType = "TRADE_BUY"
	EntryTradeSell  EntryType = "TRADE_SELL"
	EntryMerge      EntryType = "MERGE"
	EntrySplit      EntryType = "SPLIT"
	EntryRedeem     EntryType = "REDEEM"
	EntrySettlement EntryType = "SETTLEMENT"
	EntryDeposit    EntryType = "DEPOSIT"
)

// Decision is the outcome of a copy attempt.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// SourceType says how a decision group reached the engine.
type SourceType string

const (
	SourceImmediate  SourceType = "IMMEDIATE"
	SourceBuffer     SourceType = "BUFFER"
	SourceAggregator SourceType = "AGGREGATOR"
)

// EnrichmentStatus tracks token-metadata enrichment of a trade event.
type EnrichmentStatus string

const (
	EnrichPending  EnrichmentStatus = "PENDING"
	EnrichEnriched EnrichmentStatus = "ENRICHED"
	EnrichFailed   EnrichmentStatus = "FAILED"
)

// ReasonCode explains why an attempt was skipped, clamped, or flagged.
// Codes accumulate in insertion order; an EXECUTE attempt may still carry
// informational codes (e.g. a clamp that fired).
type ReasonCode string

const (
	ReasonEnginePaused            ReasonCode = "ENGINE_PAUSED"
	ReasonUserDisabled            ReasonCode = "USER_DISABLED"
	ReasonMarketBlacklisted       ReasonCode = "MARKET_BLACKLISTED"
	ReasonSpreadTooWide           ReasonCode = "SPREAD_TOO_WIDE"
	ReasonInsufficientDepth       ReasonCode = "INSUFFICIENT_DEPTH"
	ReasonPriceWorseThanTheirFill ReasonCode = "PRICE_WORSE_THAN_THEIR_FILL"
	ReasonPriceTooFarOverMid      ReasonCode = "PRICE_TOO_FAR_OVER_MID"
	ReasonBuyCostPerShareTooHigh  ReasonCode = "BUY_COST_PER_SHARE_TOO_HIGH"
	ReasonNoLiquidityWithinBounds ReasonCode = "NO_LIQUIDITY_WITHIN_BOUNDS"
	ReasonRiskCapTotal            ReasonCode = "RISK_CAP_TOTAL"
	ReasonRiskCapPerMarket        ReasonCode = "RISK_CAP_PER_MARKET"
	ReasonRiskCapPerUser          ReasonCode = "RISK_CAP_PER_USER"
	ReasonMarketTooCloseToClose   ReasonCode = "MARKET_TOO_CLOSE_TO_CLOSE"
	ReasonCircuitBreakerTripped   ReasonCode = "CIRCUIT_BREAKER_TRIPPED"
	ReasonBuffered                ReasonCode = "BUFFERED"
	ReasonBufferBelowMinExec      ReasonCode = "BUFFER_FLUSH_BELOW_MIN_EXEC"
	ReasonNotEnoughPositionToSell ReasonCode = "NOT_ENOUGH_POSITION_TO_SELL"
	ReasonMinTradeFloorApplied    ReasonCode = "MIN_TRADE_FLOOR_APPLIED"
	ReasonMaxTradeCeilApplied     ReasonCode = "MAX_TRADE_CEIL_APPLIED"
	ReasonBankrollCeilApplied     ReasonCode = "BANKROLL_CEIL_APPLIED"
)

// ————————————————————————————————————————————————————————————————————————
// Followed users and canonical trades
// ————————————————————————————————————————————————————————————————————————

// FollowedUser is a trader we observe on-chain. Disabled users are still
// observed (shadow ledger keeps running) but never copied.
type FollowedUser struct {
	ID             string
	Label          string
	ProfileAddress string   // primary wallet, lowercase hex
	ProxyAddresses []string // alias wallets that trade on the profile's behalf
	Enabled        bool
}

// AllAddresses returns the profile address plus all proxies, lowercased.
func (u FollowedUser) AllAddresses() []string {
	out := make([]string, 0, 1+len(u.ProxyAddresses))
	out = append(out, u.ProfileAddress)
	out = append(out, u.ProxyAddresses...)
	return out
}

// TradeEvent is one canonical row per decoded on-chain fill, unique by
// (TxHash, LogIndex). Append-only; never deleted.
// TradeSource tags which detection path wrote the canonical row. The
// reconcile path should stay at zero in steady state.
type TradeSource string

const (
	TradeSourceChain     TradeSource = "CHAIN"
	TradeSourceReconcile TradeSource = "RECONCILE"
)

type TradeEvent struct {
	TxHash         string
	LogIndex       uint
	Source         TradeSource
	EventTime      time.Time // block timestamp; falls back to DetectTime
	DetectTime     time.Time // when we first saw the log locally
	UserID         string    // followed user this fill belongs to
	ProfileAddress string
	ProxyAddress   string // set when the filling wallet differs from profile
	TokenID        string // raw outcome token id (decimal string)
	Side           Side   // from the followed wallet's perspective
	PriceMicros    int32
	ShareMicros    int64
	NotionalMicros int64
	FeeMicros      int64
	Enrichment     EnrichmentStatus
	MarketID       string // denormalized once enriched
	ConditionID    string
	AssetID        string
}

// Key returns the canonical idempotency key for this event.
func (e TradeEvent) Key() string {
	return e.TxHash + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
}

// TradeGroup is a coalesced burst of same-user/same-asset/same-side fills
// that becomes a single copy decision.
type TradeGroup struct {
	UserID             string
	AssetID            string
	MarketID           string
	ConditionID        string
	Side               Side
	ShareMicros        int64 // aggregate shares across contributing fills
	NotionalMicros     int64 // aggregate notional
	RefPriceMicros     int32 // their notional-weighted fill price
	FirstEventTime     time.Time
	LastEventTime      time.Time
	TradeKeys          []string // contributing TradeEvent keys, in arrival order
	SourceType         SourceType
	BufferedTradeCount int
}

// Key deterministically identifies the group for idempotent ledger writes.
// It is stable across redelivery because it derives from the first
// contributing trade, not from wall-clock time.
func (g TradeGroup) Key() string {
	first := ""
	if len(g.TradeKeys) > 0 {
		first = g.TradeKeys[0]
	}
	return g.UserID + "|" + g.AssetID + "|" + string(g.Side) + "|" + first
}

// ————————————————————————————————————————————————————————————————————————
// Ledger
// ————————————————————————————————————————————————————————————————————————

// LedgerEntry is an append-only double-entry row. For any scope and RefID,
// each EntryType appears at most once — the storage layer enforces this,
// which makes all writers idempotent.
type LedgerEntry struct {
	ID               int64
	Scope            PortfolioScope
	UserID           string // empty for EXEC_GLOBAL-only rows
	MarketID         string
	AssetID          string
	EntryType        EntryType
	ShareDeltaMicros int64
	CashDeltaMicros  int64
	PriceMicros      int32 // 0 when not applicable
	RefID            string
	CreatedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Copy attempts
// ————————————————————————————————————————————————————————————————————————

// ExecutableFill is one simulated book level consumed by an EXECUTE attempt.
type ExecutableFill struct {
	PriceMicros    int32
	ShareMicros    int64
	NotionalMicros int64
}

// CopyAttempt is one decision row per event group. SKIP attempts carry
// their accumulated reason codes; EXECUTE attempts carry the fills and VWAP.
type CopyAttempt struct {
	ID                   int64
	Scope                PortfolioScope
	UserID               string
	AssetID              string
	MarketID             string
	Side                 Side
	GroupKey             string
	Decision             Decision
	Reasons              []ReasonCode
	TheirNotionalMicros  int64
	TheirShareMicros     int64
	TargetNotionalMicros int64
	FilledNotionalMicros int64
	FilledShareMicros    int64
	FilledRatioBps       int64 // 0..10_000
	VWAPMicros           int32 // 0 when skipped
	RefPriceMicros       int32 // their fill price
	EffectiveRateBps     int64 // sizing rate actually applied
	SourceType           SourceType
	BufferedTradeCount   int
	LatencyMs            int64 // detect-to-decision latency
	Fills                []ExecutableFill
	CreatedAt            time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookSource tags where a normalized book came from.
type BookSource string

const (
	BookSourceREST BookSource = "REST"
	BookSourceWS   BookSource = "WS"
)

// BookLevel is a single normalized bid or ask level.
type BookLevel struct {
	PriceMicros int32
	SizeMicros  int64 // share size at this level
}

// NormalizedBook is a point-in-time view of one token's book. Bids are
// sorted descending and asks ascending; both contain only strictly-interior
// prices in (0, 1_000_000) with non-zero size.
//
// BestBidMicros is 0 when no bid survives; BestAskMicros is PriceScale when
// no ask survives. When both sides exist, BestBid < BestAsk and
// Mid = (BestBid + BestAsk) / 2.
type NormalizedBook struct {
	AssetID       string
	Bids          []BookLevel
	Asks          []BookLevel
	BestBidMicros int32
	BestAskMicros int32
	MidMicros     int32
	SpreadMicros  int32
	UpdatedAt     time.Time
	Source        BookSource
}

// HasBothSides reports whether both a bid and an ask survived normalization.
func (b *NormalizedBook) HasBothSides() bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// MarketPriceSnapshot stores a midpoint per (asset, bucket) at a fixed cadence.
type MarketPriceSnapshot struct {
	AssetID    string
	BucketTime time.Time
	BidMicros  int32
	AskMicros  int32
	MidMicros  int32
	Source     BookSource
}

// PortfolioSnapshot is one row per (scope, user-or-empty, bucket).
type PortfolioSnapshot struct {
	Scope               PortfolioScope
	UserID              string // empty for the global portfolio row
	BucketTime          time.Time
	EquityMicros        int64
	CashMicros          int64
	ExposureMicros      int64
	UnrealizedPnLMicros int64
	RealizedPnLMicros   int64
}

// ————————————————————————————————————————————————————————————————————————
// Runtime configuration (C14 payloads)
// ————————————————————————————————————————————————————————————————————————

// SizingMode selects how the copy target is derived from their notional.
type SizingMode string

const (
	// SizingFixedRate: target = theirNotional * CopyPctNotionalBps / 10_000.
	SizingFixedRate SizingMode = "FIXED_RATE"
	// SizingBudgeted: rate = clamp(budget/exposure, rMin, rMax) applied to
	// their notional. Exposure <= 0 uses rMax.
	SizingBudgeted SizingMode = "BUDGETED"
)

// NettingMode selects how the small-trade buffer offsets opposing flow.
type NettingMode string

const (
	NettingSameSideOnly NettingMode = "SAME_SIDE_ONLY"
	NettingNetBuySell   NettingMode = "NET_BUY_SELL"
)

// Sizing holds the sizing arithmetic knobs. Zero values mean "unset" and
// fall back to the global scope field-by-field.
type Sizing struct {
	Mode               SizingMode `json:"mode"`
	CopyPctNotionalBps int64      `json:"copyPctNotionalBps"`
	BudgetMicros       int64      `json:"budgetMicros"`
	RateMinBps         int64      `json:"rateMinBps"`
	RateMaxBps         int64      `json:"rateMaxBps"`

	MinTradeNotionalMicros int64 `json:"minTradeNotionalMicros"`
	MaxTradeNotionalMicros int64 `json:"maxTradeNotionalMicros"`
	MaxTradeBankrollBps    int64 `json:"maxTradeBankrollBps"`
}

// Guardrails holds every pre- and post-simulation veto threshold.
type Guardrails struct {
	MaxWorseningVsTheirFillMicros int32 `json:"maxWorseningVsTheirFillMicros"`
	MaxOverMidMicros              int32 `json:"maxOverMidMicros"`
	MaxSpreadMicros               int32 `json:"maxSpreadMicros"`
	MaxBuyCostPerShareMicros      int32 `json:"maxBuyCostPerShareMicros"` // 0 = unset
	MinDepthMultiplierBps         int64 `json:"minDepthMultiplierBps"`

	MaxTotalExposureBps     int64 `json:"maxTotalExposureBps"`
	MaxExposurePerMarketBps int64 `json:"maxExposurePerMarketBps"`
	MaxExposurePerUserBps   int64 `json:"maxExposurePerUserBps"`

	NoNewOpensWithinMinutesToClose int64 `json:"noNewOpensWithinMinutesToClose"`

	DailyLossLimitBps  int64 `json:"dailyLossLimitBps"`
	WeeklyLossLimitBps int64 `json:"weeklyLossLimitBps"`
	MaxDrawdownBps     int64 `json:"maxDrawdownBps"`

	BlacklistedMarkets []string `json:"blacklistedMarkets"`

	DecisionLatencyMs int64 `json:"decisionLatencyMs"`
	JitterMsMax       int64 `json:"jitterMsMax"`

	// Small-trade buffer knobs.
	Netting                 NettingMode `json:"netting"`
	NotionalThresholdMicros int64       `json:"notionalThresholdMicros"`
	FlushMinNotionalMicros  int64       `json:"flushMinNotionalMicros"`
	MinExecNotionalMicros   int64       `json:"minExecNotionalMicros"`
	BufferQuietMs           int64       `json:"bufferQuietMs"`
	MaxBufferMs             int64       `json:"maxBufferMs"`
}

// CopyConfig is the versioned C14 payload: sizing + guardrails for one
// scope (global when UserID is empty, per-leader override otherwise).
type CopyConfig struct {
	UserID     string     `json:"userId,omitempty"`
	Sizing     Sizing     `json:"sizing"`
	Guardrails Guardrails `json:"guardrails"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

