// Package engine makes the copy decision: size the target, bound the
// price, simulate against the live book, apply guardrails, and commit an
// attempt with its ledger rows. One consumer per portfolio scope keeps
// decisions FIFO.
package engine

import (
	"polymarket-copytrader/pkg/micros"
	"polymarket-copytrader/pkg/types"
)

// SizingResult is the clamped copy target plus observability fields.
type SizingResult struct {
	TargetNotionalMicros int64
	EffectiveRateBps     int64
	Reasons              []types.ReasonCode // informational clamp codes
}

// ComputeTarget derives our notional from theirs.
//
// Fixed-rate mode applies a flat bps of their notional. Budgeted mode
// scales a per-leader budget against the leader's live exposure:
// rate = clamp(budget/exposure, rMin, rMax), with rMax when the leader has
// no exposure. Clamps then apply in a fixed order: floor to the minimum
// trade, ceiling to the maximum trade, ceiling to the bankroll fraction.
// When the bankroll ceiling would force the target below the floor, the
// floor wins and the bankroll clamp is un-flagged.
func ComputeTarget(s types.Sizing, theirNotionalMicros, leaderExposureMicros, equityMicros int64) SizingResult {
	var rate int64
	switch s.Mode {
	case types.SizingBudgeted:
		if leaderExposureMicros <= 0 {
			rate = s.RateMaxBps
		} else {
			rate = micros.Clamp(
				micros.MulDiv(s.BudgetMicros, 10_000, leaderExposureMicros),
				s.RateMinBps, s.RateMaxBps)
		}
	default:
		rate = s.CopyPctNotionalBps
	}

	res := SizingResult{
		TargetNotionalMicros: micros.Bps(theirNotionalMicros, rate),
		EffectiveRateBps:     rate,
	}

	if s.MinTradeNotionalMicros > 0 && res.TargetNotionalMicros < s.MinTradeNotionalMicros {
		res.TargetNotionalMicros = s.MinTradeNotionalMicros
		res.Reasons = append(res.Reasons, types.ReasonMinTradeFloorApplied)
	}
	if s.MaxTradeNotionalMicros > 0 && res.TargetNotionalMicros > s.MaxTradeNotionalMicros {
		res.TargetNotionalMicros = s.MaxTradeNotionalMicros
		res.Reasons = append(res.Reasons, types.ReasonMaxTradeCeilApplied)
	}
	if s.MaxTradeBankrollBps > 0 {
		ceil := micros.Bps(equityMicros, s.MaxTradeBankrollBps)
		if res.TargetNotionalMicros > ceil {
			if s.MinTradeNotionalMicros > 0 && ceil < s.MinTradeNotionalMicros {
				res.TargetNotionalMicros = s.MinTradeNotionalMicros
			} else {
				res.TargetNotionalMicros = ceil
				res.Reasons = append(res.Reasons, types.ReasonBankrollCeilApplied)
			}
		}
	}
	return res
}

// PriceBound caps what prices the simulation may consume. For a BUY it is
// the max price, min(R + maxWorsening, M + maxOverMid); for a SELL the min
// price, max(R − maxWorsening, M − maxOverMid). R is their fill price, M
// the current mid.
func PriceBound(side types.Side, refPriceMicros, midMicros, maxWorseningMicros, maxOverMidMicros int32) int32 {
	if side == types.BUY {
		bound := refPriceMicros + maxWorseningMicros
		if overMid := midMicros + maxOverMidMicros; overMid < bound {
			bound = overMid
		}
		return bound
	}
	bound := refPriceMicros - maxWorseningMicros
	if underMid := midMicros - maxOverMidMicros; underMid > bound {
		bound = underMid
	}
	return bound
}
