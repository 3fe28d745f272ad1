package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestEnabled(t *testing.T) {
	if NewPositionLimiter(decimal.Zero, decimal.Zero).Enabled() {
		t.Error("zero limits should disable the limiter")
	}
	if !NewPositionLimiter(d(100), decimal.Zero).Enabled() {
		t.Error("per-security limit should enable the limiter")
	}
	if !NewPositionLimiter(decimal.Zero, d(100)).Enabled() {
		t.Error("gross limit should enable the limiter")
	}
	var nilLimiter *PositionLimiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter should be disabled")
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckLimit("ACME", d(1e9), nil); err != nil {
		t.Errorf("disabled limiter should allow everything, got %v", err)
	}
}

func TestCheckLimit_PerSecurity(t *testing.T) {
	l := NewPositionLimiter(d(100), decimal.Zero)
	positions := map[string]decimal.Decimal{"ACME": d(90)}

	if err := l.CheckLimit("ACME", d(10), positions); err != nil {
		t.Errorf("trade to exactly the limit should pass, got %v", err)
	}
	if err := l.CheckLimit("ACME", d(11), positions); err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerSecurityAbsolute(t *testing.T) {
	l := NewPositionLimiter(d(100), decimal.Zero)
	positions := map[string]decimal.Decimal{"ACME": d(-95)}
	if err := l.CheckLimit("ACME", d(-10), positions); err != ErrPositionLimitExceeded {
		t.Errorf("short positions count by absolute value, got %v", err)
	}
}

func TestCheckLimit_Gross(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, d(100))
	positions := map[string]decimal.Decimal{
		"ACME": d(60),
		"MOON": d(-30),
	}

	if err := l.CheckLimit("SLUG", d(10), positions); err != nil {
		t.Errorf("gross 100 should pass, got %v", err)
	}
	if err := l.CheckLimit("SLUG", d(11), positions); err != ErrGrossExposureExceeded {
		t.Errorf("expected ErrGrossExposureExceeded, got %v", err)
	}
}

func TestCheckLimit_GrossCountsNewPositionOnce(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, d(100))
	positions := map[string]decimal.Decimal{"ACME": d(50)}
	// Selling down reduces gross exposure, not doubles it.
	if err := l.CheckLimit("ACME", d(-20), positions); err != nil {
		t.Errorf("reducing trade should pass, got %v", err)
	}
}
