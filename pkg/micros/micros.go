// Package micros implements integer fixed-point arithmetic for money,
// prices, and shares. 1 USD = 1,000,000 micros; prices live in
// [0, 1,000,000] representing 0.00–1.00.
//
// Upstream APIs deliver prices and sizes as decimal strings ("0.55",
// "100.5"). Parsing goes through shopspring/decimal so "0.1"-style values
// convert exactly; everything downstream of this package is pure int64/
// int32 arithmetic. Products like shares × price are computed in 128 bits
// before dividing by the scale, so positions far beyond tens of thousands
// of dollars cannot overflow.
package micros

import (
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point denominator shared by prices, shares, and cash.
const Scale = 1_000_000

var scaleDec = decimal.NewFromInt(Scale)

// PriceToMicros parses a decimal price string into micros, clamped to
// [0, 1_000_000]. Empty strings and unparseable values map to 0.
func PriceToMicros(s string) int32 {
	d, ok := parseDecimal(s)
	if !ok {
		return 0
	}
	v := d.Mul(scaleDec).Round(0).IntPart()
	if v < 0 {
		return 0
	}
	if v > Scale {
		return Scale
	}
	return int32(v)
}

// PriceFloatToMicros converts a float price into micros, clamped to
// [0, 1_000_000]. NaN and infinities map to 0.
func PriceFloatToMicros(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	v := int64(math.Round(f * Scale))
	if v < 0 {
		return 0
	}
	if v > Scale {
		return Scale
	}
	return int32(v)
}

// SharesToMicros parses a decimal share quantity string into micros.
// Empty strings and unparseable values map to 0.
func SharesToMicros(s string) int64 {
	d, ok := parseDecimal(s)
	if !ok {
		return 0
	}
	return d.Mul(scaleDec).Round(0).IntPart()
}

// Notional computes floor(shareMicros × priceMicros / Scale) — the cash
// value of a share quantity at a price. The product is taken in 128 bits.
func Notional(shareMicros int64, priceMicros int32) int64 {
	return MulDiv(shareMicros, int64(priceMicros), Scale)
}

// SharesForNotional computes floor(notionalMicros × Scale / priceMicros):
// how many share micros a notional buys at the given price. Returns 0 when
// the price is not positive.
func SharesForNotional(notionalMicros int64, priceMicros int32) int64 {
	if priceMicros <= 0 {
		return 0
	}
	return MulDiv(notionalMicros, Scale, int64(priceMicros))
}

// VWAP returns round(notionalMicros × Scale / shareMicros) as a price, or
// 0 when no shares filled. The result is clamped to [0, Scale].
func VWAP(notionalMicros, shareMicros int64) int32 {
	if shareMicros <= 0 {
		return 0
	}
	v := MulDivRound(notionalMicros, Scale, shareMicros)
	if v < 0 {
		return 0
	}
	if v > Scale {
		return Scale
	}
	return int32(v)
}

// Bps computes floor(value × bps / 10_000) in 128 bits.
func Bps(value, bps int64) int64 {
	return MulDiv(value, bps, 10_000)
}

// RatioBps computes floor(num × 10_000 / den), capped at capBps when
// capBps > 0. A zero denominator yields 0.
func RatioBps(num, den, capBps int64) int64 {
	if den <= 0 {
		return 0
	}
	r := MulDiv(num, 10_000, den)
	if capBps > 0 && r > capBps {
		return capBps
	}
	return r
}

// MulDiv computes floor(a × b / den) with a 128-bit intermediate product.
// den must be positive; a zero denominator yields 0. Results beyond int64
// range saturate at the int64 bounds.
func MulDiv(a, b, den int64) int64 {
	if den <= 0 {
		return 0
	}
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
		neg = !neg
	}
	if b < 0 {
		ub = uint64(-b)
		neg = !neg
	}
	hi, lo := bits.Mul64(ua, ub)
	ud := uint64(den)
	if hi >= ud {
		// Quotient would not fit in 64 bits.
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, ud)
	if neg {
		// Floor semantics for negative results.
		if r != 0 {
			q++
		}
		if q > uint64(math.MaxInt64) {
			return math.MinInt64
		}
		return -int64(q)
	}
	if q > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(q)
}

// MulDivRound is MulDiv with round-half-up on the magnitude instead of floor.
func MulDivRound(a, b, den int64) int64 {
	if den <= 0 {
		return 0
	}
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
		neg = !neg
	}
	if b < 0 {
		ub = uint64(-b)
		neg = !neg
	}
	hi, lo := bits.Mul64(ua, ub)
	ud := uint64(den)
	if hi >= ud {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, ud)
	if r >= ud-r {
		q++
	}
	if q > uint64(math.MaxInt64) {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

// Abs returns |v|, saturating at MaxInt64 for MinInt64.
func Abs(v int64) int64 {
	if v == math.MinInt64 {
		return math.MaxInt64
	}
	if v < 0 {
		return -v
	}
	return v
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	switch strings.ToLower(s) {
	case "nan", "+inf", "-inf", "inf", "infinity":
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
