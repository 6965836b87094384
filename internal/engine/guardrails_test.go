package engine

import (
	"testing"
	"time"

	"polymarket-copytrader/pkg/types"
)

func TestCheckPostSim(t *testing.T) {
	t.Parallel()

	g := types.Guardrails{
		MaxWorseningVsTheirFillMicros: 10_000,
		MaxOverMidMicros:              15_000,
		MaxBuyCostPerShareMicros:      900_000,
	}

	tests := []struct {
		name string
		side types.Side
		sim  SimResult
		ref  int32
		mid  int32
		want []types.ReasonCode
	}{
		{
			name: "zero fill",
			side: types.BUY,
			sim:  SimResult{},
			ref:  600_000, mid: 595_000,
			want: []types.ReasonCode{types.ReasonNoLiquidityWithinBounds},
		},
		{
			name: "buy within all bounds",
			side: types.BUY,
			sim:  SimResult{FilledShareMicros: 1, VWAPMicros: 605_000},
			ref:  600_000, mid: 595_000,
			want: nil,
		},
		{
			name: "buy worse than their fill",
			side: types.BUY,
			sim:  SimResult{FilledShareMicros: 1, VWAPMicros: 611_000},
			ref:  600_000, mid: 600_000,
			want: []types.ReasonCode{types.ReasonPriceWorseThanTheirFill},
		},
		{
			name: "buy too far over mid",
			side: types.BUY,
			sim:  SimResult{FilledShareMicros: 1, VWAPMicros: 609_000},
			ref:  600_000, mid: 590_000,
			want: []types.ReasonCode{types.ReasonPriceTooFarOverMid},
		},
		{
			name: "sell worsening measured downward",
			side: types.SELL,
			sim:  SimResult{FilledShareMicros: 1, VWAPMicros: 585_000},
			ref:  600_000, mid: 590_000,
			want: []types.ReasonCode{types.ReasonPriceWorseThanTheirFill},
		},
		{
			name: "buy cost per share at cap",
			side: types.BUY,
			sim:  SimResult{FilledShareMicros: 1, VWAPMicros: 900_000},
			ref:  895_000, mid: 895_000,
			want: []types.ReasonCode{types.ReasonBuyCostPerShareTooHigh},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := checkPostSim(tt.side, tt.sim, tt.ref, tt.mid, g)
			if len(got) != len(tt.want) {
				t.Fatalf("reasons = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("reasons[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCheckExposureCaps(t *testing.T) {
	t.Parallel()

	g := types.Guardrails{
		MaxTotalExposureBps:     5_000, // 50% of equity
		MaxExposurePerMarketBps: 1_000,
		MaxExposurePerUserBps:   2_000,
	}
	st := exposureState{
		EquityMicros:         1_000_000_000, // $1000
		TotalExposureMicros:  400_000_000,
		MarketExposureMicros: 90_000_000,
		UserExposureMicros:   150_000_000,
	}

	// A $5 buy fits every cap.
	if got := checkExposureCaps(types.BUY, 5_000_000, st, g); len(got) != 0 {
		t.Fatalf("reasons = %v, want none", got)
	}

	// A $150 buy breaches total (>$500), market (>$100), and user (>$200).
	got := checkExposureCaps(types.BUY, 150_000_000, st, g)
	want := []types.ReasonCode{types.ReasonRiskCapTotal, types.ReasonRiskCapPerMarket, types.ReasonRiskCapPerUser}
	if len(got) != len(want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}

	// SELLs reduce exposure and always pass.
	if got := checkExposureCaps(types.SELL, 900_000_000, st, g); len(got) != 0 {
		t.Fatalf("sell reasons = %v, want none", got)
	}
}

func TestCheckCloseTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := checkCloseTime(types.BUY, now.Add(20*time.Minute), now, 30); len(got) != 1 {
		t.Fatalf("near-close buy reasons = %v, want 1", got)
	}
	if got := checkCloseTime(types.BUY, now.Add(2*time.Hour), now, 30); len(got) != 0 {
		t.Fatalf("far-close buy reasons = %v, want none", got)
	}
	// SELLs that unwind positions stay allowed right up to close.
	if got := checkCloseTime(types.SELL, now.Add(time.Minute), now, 30); len(got) != 0 {
		t.Fatalf("near-close sell reasons = %v, want none", got)
	}
	if got := checkCloseTime(types.BUY, time.Time{}, now, 30); len(got) != 0 {
		t.Fatalf("unknown close reasons = %v, want none", got)
	}
}

func TestCheckCircuitBreakers(t *testing.T) {
	t.Parallel()

	g := types.Guardrails{
		DailyLossLimitBps:  300,
		WeeklyLossLimitBps: 800,
		MaxDrawdownBps:     1_500,
	}

	tests := []struct {
		name    string
		st      breakerState
		tripped bool
	}{
		{"all clear", breakerState{DailyPnLBps: -100, WeeklyPnLBps: -200, DrawdownBps: 500}, false},
		{"daily loss at limit", breakerState{DailyPnLBps: -300}, true},
		{"weekly loss past limit", breakerState{WeeklyPnLBps: -900}, true},
		{"drawdown past limit", breakerState{DrawdownBps: 1_600}, true},
		{"daily gain never trips", breakerState{DailyPnLBps: 400}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := checkCircuitBreakers(tt.st, g)
			if tripped := len(got) > 0; tripped != tt.tripped {
				t.Fatalf("tripped = %v, want %v (reasons %v)", tripped, tt.tripped, got)
			}
		})
	}
}

func TestCheckDepth(t *testing.T) {
	t.Parallel()

	// 2x multiplier: a $100 target needs $200 in-bound.
	if got := checkDepth(150_000_000, 100_000_000, 20_000); len(got) != 1 {
		t.Fatalf("shallow reasons = %v, want 1", got)
	}
	if got := checkDepth(250_000_000, 100_000_000, 20_000); len(got) != 0 {
		t.Fatalf("deep reasons = %v, want none", got)
	}
	if got := checkDepth(0, 100_000_000, 0); len(got) != 0 {
		t.Fatalf("disabled reasons = %v, want none", got)
	}
}
