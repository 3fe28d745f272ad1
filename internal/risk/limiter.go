// Package risk implements optional position limits for equity trading.
//
// Limits guard the in-game economy against a single account cornering a
// security or accumulating unbounded gross exposure. Both limits are
// disabled (zero) by default; the engine's core invariants never depend on
// them.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// security's absolute position beyond the per-security maximum.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded for security")

	// ErrGrossExposureExceeded is returned when a trade would push the
	// summed absolute positions across all securities beyond the gross
	// maximum.
	ErrGrossExposureExceeded = errors.New("risk: gross exposure limit exceeded")
)

// PositionLimiter enforces per-security and gross equity position limits.
// A zero limit disables the corresponding check.
type PositionLimiter struct {
	// MaxPerSecurity is the maximum absolute position in any one security.
	MaxPerSecurity decimal.Decimal

	// MaxGross is the maximum summed absolute position across securities.
	MaxGross decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-security and
// gross exposure limits. Zero values disable the respective checks.
func NewPositionLimiter(maxPerSecurity, maxGross decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSecurity: maxPerSecurity,
		MaxGross:       maxGross,
	}
}

// Enabled reports whether any limit is active.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSecurity.IsPositive() || l.MaxGross.IsPositive())
}

// CheckLimit validates whether an equity trade respects position limits.
//
//   - symbol: the security being traded
//   - quantityDelta: signed change in position
//   - positions: current net position per symbol for this user
//
// Returns nil if the trade is within limits, or an error describing the
// violation.
func (l *PositionLimiter) CheckLimit(symbol string, quantityDelta decimal.Decimal, positions map[string]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	newPosition := positions[symbol].Add(quantityDelta)

	if l.MaxPerSecurity.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerSecurity) {
		return ErrPositionLimitExceeded
	}

	if l.MaxGross.IsPositive() {
		gross := newPosition.Abs()
		for sym, qty := range positions {
			if sym == symbol {
				continue // already counted via newPosition
			}
			gross = gross.Add(qty.Abs())
		}
		if gross.GreaterThan(l.MaxGross) {
			return ErrGrossExposureExceeded
		}
	}

	return nil
}
