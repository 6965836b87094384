package engine

import (
	"time"

	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// checkSpread rejects books too wide to price against.
func checkSpread(book *types.NormalizedBook, maxSpreadMicros int32) []types.ReasonCode {
	if maxSpreadMicros > 0 && book.SpreadMicros > maxSpreadMicros {
		return []types.ReasonCode{types.ReasonSpreadTooWide}
	}
	return nil
}

// checkDepth requires the in-bound liquidity to cover a multiple of the
// target before we pretend we could have traded it.
func checkDepth(availableNotionalMicros, targetNotionalMicros, minDepthMultiplierBps int64) []types.ReasonCode {
	if minDepthMultiplierBps <= 0 {
		return nil
	}
	required := micros.Bps(targetNotionalMicros, minDepthMultiplierBps)
	if availableNotionalMicros < required {
		return []types.ReasonCode{types.ReasonInsufficientDepth}
	}
	return nil
}

// checkPostSim validates the simulated VWAP against their fill and the
// current mid.
func checkPostSim(side types.Side, sim SimResult, refPriceMicros, midMicros int32, g types.Guardrails) []types.ReasonCode {
	if sim.FilledShareMicros == 0 {
		return []types.ReasonCode{types.ReasonNoLiquidityWithinBounds}
	}

	var reasons []types.ReasonCode
	if g.MaxWorseningVsTheirFillMicros > 0 {
		worsening := sim.VWAPMicros - refPriceMicros
		if side == types.SELL {
			worsening = refPriceMicros - sim.VWAPMicros
		}
		if worsening > g.MaxWorseningVsTheirFillMicros {
			reasons = append(reasons, types.ReasonPriceWorseThanTheirFill)
		}
	}
	if g.MaxOverMidMicros > 0 {
		overMid := sim.VWAPMicros - midMicros
		if side == types.SELL {
			overMid = midMicros - sim.VWAPMicros
		}
		if overMid > g.MaxOverMidMicros {
			reasons = append(reasons, types.ReasonPriceTooFarOverMid)
		}
	}
	if side == types.BUY && g.MaxBuyCostPerShareMicros > 0 && sim.VWAPMicros >= g.MaxBuyCostPerShareMicros {
		reasons = append(reasons, types.ReasonBuyCostPerShareTooHigh)
	}
	return reasons
}

// exposureState carries the ledger-derived numbers the caps compare
// against.
type exposureState struct {
	EquityMicros         int64
	TotalExposureMicros  int64
	MarketExposureMicros int64
	UserExposureMicros   int64
}

// checkExposureCaps rejects fills that would push any exposure bucket past
// its bps-of-equity cap. Only BUYs add exposure; SELLs reduce it.
func checkExposureCaps(side types.Side, addNotionalMicros int64, st exposureState, g types.Guardrails) []types.ReasonCode {
	if side == types.SELL || st.EquityMicros <= 0 {
		return nil
	}
	var reasons []types.ReasonCode
	if breachesCap(st.TotalExposureMicros, addNotionalMicros, st.EquityMicros, g.MaxTotalExposureBps) {
		reasons = append(reasons, types.ReasonRiskCapTotal)
	}
	if breachesCap(st.MarketExposureMicros, addNotionalMicros, st.EquityMicros, g.MaxExposurePerMarketBps) {
		reasons = append(reasons, types.ReasonRiskCapPerMarket)
	}
	if breachesCap(st.UserExposureMicros, addNotionalMicros, st.EquityMicros, g.MaxExposurePerUserBps) {
		reasons = append(reasons, types.ReasonRiskCapPerUser)
	}
	return reasons
}

func breachesCap(currentMicros, addMicros, equityMicros, capBps int64) bool {
	if capBps <= 0 {
		return false
	}
	return currentMicros+addMicros > micros.Bps(equityMicros, capBps)
}

// checkCloseTime blocks new opens in markets about to resolve. SELLs that
// reduce an existing position stay allowed.
func checkCloseTime(side types.Side, closeTime time.Time, now time.Time, minutesToClose int64) []types.ReasonCode {
	if minutesToClose <= 0 || closeTime.IsZero() || side == types.SELL {
		return nil
	}
	if closeTime.Sub(now) <= time.Duration(minutesToClose)*time.Minute {
		return []types.ReasonCode{types.ReasonMarketTooCloseToClose}
	}
	return nil
}

// breakerState carries PnL deltas in bps of the reference equity.
type breakerState struct {
	DailyPnLBps  int64 // negative when losing
	WeeklyPnLBps int64
	DrawdownBps  int64 // positive distance below peak
}

// checkCircuitBreakers trips on configured daily/weekly loss or drawdown.
func checkCircuitBreakers(st breakerState, g types.Guardrails) []types.ReasonCode {
	tripped := (g.DailyLossLimitBps > 0 && -st.DailyPnLBps >= g.DailyLossLimitBps) ||
		(g.WeeklyLossLimitBps > 0 && -st.WeeklyPnLBps >= g.WeeklyLossLimitBps) ||
		(g.MaxDrawdownBps > 0 && st.DrawdownBps >= g.MaxDrawdownBps)
	if tripped {
		return []types.ReasonCode{types.ReasonCircuitBreakerTripped}
	}
	return nil
}

func isBlacklisted(marketID string, blacklist []string) bool {
	for _, b := range blacklist {
		if b == marketID {
			return true
		}
	}
	return false
}
