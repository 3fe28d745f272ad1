// Package pricing implements the closed-form derivative pricing used by the
// market engine: Black-Scholes European option premiums and cost-of-carry
// forward prices.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses float64, with results immediately
// converted back to decimal. Degenerate inputs (expired contracts,
// non-positive spot/strike/volatility) fall back to intrinsic value rather
// than erroring: these are transient states of a running market, not faults.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// PriceScale is the number of decimal places for premium/forward rounding.
const PriceScale int32 = 8

// SecondsPerYear converts time deltas to year fractions for T and dt.
const SecondsPerYear = 365 * 24 * 60 * 60

// Option returns the Black-Scholes premium for a European option.
//
//	d1 = [ln(S/K) + (r + σ²/2)·T] / (σ√T)
//	d2 = d1 − σ√T
//	call = S·Φ(d1) − K·e^{−rT}·Φ(d2)
//	put  = K·e^{−rT}·Φ(−d2) − S·Φ(−d1)
//
// timeToExpiry and rate are annualized. When timeToExpiry <= 0, or when any
// of spot, strike, sigma is non-positive, the intrinsic value is returned.
func Option(spot, strike decimal.Decimal, timeToExpiry, rate, sigma float64, kind model.OptionKind) decimal.Decimal {
	s := spot.InexactFloat64()
	k := strike.InexactFloat64()

	if timeToExpiry <= 0 || s <= 0 || k <= 0 || sigma <= 0 {
		return Intrinsic(spot, strike, kind)
	}

	sqrtT := math.Sqrt(timeToExpiry)
	d1 := (math.Log(s/k) + (rate+0.5*sigma*sigma)*timeToExpiry) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	var premium float64
	if kind == model.Call {
		premium = s*normCDF(d1) - k*math.Exp(-rate*timeToExpiry)*normCDF(d2)
	} else {
		premium = k*math.Exp(-rate*timeToExpiry)*normCDF(-d2) - s*normCDF(-d1)
	}
	if premium < 0 {
		premium = 0
	}
	return decimal.NewFromFloat(premium).Round(PriceScale)
}

// Intrinsic returns the exercise value of an option: max(0, S−K) for calls,
// max(0, K−S) for puts. Exact decimal arithmetic, no float round trip.
func Intrinsic(spot, strike decimal.Decimal, kind model.OptionKind) decimal.Decimal {
	var value decimal.Decimal
	if kind == model.Call {
		value = spot.Sub(strike)
	} else {
		value = strike.Sub(spot)
	}
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

// Forward returns the cost-of-carry forward price spot·e^{rT}.
// timeToDelivery is clamped to >= 0; at or past delivery the forward equals
// the spot exactly.
func Forward(spot decimal.Decimal, timeToDelivery, rate float64) decimal.Decimal {
	if timeToDelivery <= 0 {
		return spot
	}
	carry := math.Exp(rate * timeToDelivery)
	return spot.Mul(decimal.NewFromFloat(carry)).Round(PriceScale)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
