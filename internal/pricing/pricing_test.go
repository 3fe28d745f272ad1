package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Intrinsic value tests ---

func TestIntrinsic_CallInTheMoney(t *testing.T) {
	v := Intrinsic(d(120), d(100), model.Call)
	if !v.Equal(d(20)) {
		t.Errorf("expected intrinsic 20, got %s", v)
	}
}

func TestIntrinsic_CallOutOfTheMoney(t *testing.T) {
	v := Intrinsic(d(80), d(100), model.Call)
	if !v.IsZero() {
		t.Errorf("expected intrinsic 0, got %s", v)
	}
}

func TestIntrinsic_PutInTheMoney(t *testing.T) {
	v := Intrinsic(d(80), d(100), model.Put)
	if !v.Equal(d(20)) {
		t.Errorf("expected intrinsic 20, got %s", v)
	}
}

func TestIntrinsic_PutOutOfTheMoney(t *testing.T) {
	v := Intrinsic(d(120), d(100), model.Put)
	if !v.IsZero() {
		t.Errorf("expected intrinsic 0, got %s", v)
	}
}

// --- Black-Scholes tests ---

func TestOption_ExpiredFallsBackToIntrinsic(t *testing.T) {
	call := Option(d(120), d(100), 0, 0.01, 0.2, model.Call)
	if !call.Equal(d(20)) {
		t.Errorf("expired call should be exactly intrinsic 20, got %s", call)
	}
	put := Option(d(90), d(100), -1, 0.01, 0.2, model.Put)
	if !put.Equal(d(10)) {
		t.Errorf("expired put should be exactly intrinsic 10, got %s", put)
	}
}

func TestOption_ZeroVolatilityFallsBackToIntrinsic(t *testing.T) {
	premium := Option(d(110), d(100), 0.5, 0.01, 0, model.Call)
	if !premium.Equal(d(10)) {
		t.Errorf("expected intrinsic 10 for zero sigma, got %s", premium)
	}
}

func TestOption_PremiumExceedsIntrinsic(t *testing.T) {
	// With time value left, the premium must be at least intrinsic.
	premium := Option(d(110), d(100), 0.25, 0.01, 0.2, model.Call)
	if premium.LessThan(d(10)) {
		t.Errorf("call premium %s below intrinsic 10", premium)
	}
	if premium.GreaterThan(d(110)) {
		t.Errorf("call premium %s above spot", premium)
	}
}

func TestOption_AtTheMoneyApproximation(t *testing.T) {
	// ATM call premium ≈ 0.4·S·σ·√T for small rT. S=100, σ=0.2, T=1:
	// expected around 8, accept generous tolerance.
	premium := Option(d(100), d(100), 1.0, 0.0, 0.2, model.Call).InexactFloat64()
	if premium < 7 || premium > 9 {
		t.Errorf("ATM premium should be near 8, got %f", premium)
	}
}

func TestOption_PutCallParity(t *testing.T) {
	spot, strike := d(105), d(100)
	timeToExpiry, rate, sigma := 0.5, 0.02, 0.3

	call := Option(spot, strike, timeToExpiry, rate, sigma, model.Call).InexactFloat64()
	put := Option(spot, strike, timeToExpiry, rate, sigma, model.Put).InexactFloat64()

	// C − P = S − K·e^{−rT}
	lhs := call - put
	rhs := spot.InexactFloat64() - strike.InexactFloat64()*math.Exp(-rate*timeToExpiry)
	if math.Abs(lhs-rhs) > 1e-6 {
		t.Errorf("put-call parity violated: C−P=%f, S−K·e^{−rT}=%f", lhs, rhs)
	}
}

func TestOption_MoreVolatilityMoreValue(t *testing.T) {
	low := Option(d(100), d(100), 0.5, 0.01, 0.1, model.Call)
	high := Option(d(100), d(100), 0.5, 0.01, 0.5, model.Call)
	if high.LessThanOrEqual(low) {
		t.Errorf("premium should rise with volatility: low=%s high=%s", low, high)
	}
}

func TestOption_NeverNegative(t *testing.T) {
	premium := Option(d(1), d(1000), 0.01, 0.0, 0.05, model.Call)
	if premium.IsNegative() {
		t.Errorf("premium must not be negative, got %s", premium)
	}
}

// --- Forward price tests ---

func TestForward_AtDeliveryEqualsSpot(t *testing.T) {
	spot := d(123.456)
	if f := Forward(spot, 0, 0.05); !f.Equal(spot) {
		t.Errorf("forward at delivery should equal spot exactly, got %s", f)
	}
	if f := Forward(spot, -0.1, 0.05); !f.Equal(spot) {
		t.Errorf("forward past delivery should equal spot exactly, got %s", f)
	}
}

func TestForward_CarryPremium(t *testing.T) {
	spot := d(100)
	f := Forward(spot, 1.0, 0.05)
	expected := 100 * math.Exp(0.05)
	if math.Abs(f.InexactFloat64()-expected) > 1e-6 {
		t.Errorf("expected forward %f, got %s", expected, f)
	}
	if f.LessThanOrEqual(spot) {
		t.Errorf("positive carry should lift forward above spot, got %s", f)
	}
}

func TestForward_ZeroRate(t *testing.T) {
	f := Forward(d(100), 1.0, 0)
	if !f.Equal(d(100)) {
		t.Errorf("zero rate forward should equal spot, got %s", f)
	}
}
