// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Parameters of the diffusion (drift, volatility, mean reversion, liquidity,
// impact) are float64: they feed transcendental math, not cash.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// Trade instrument labels used on ledger entries and metrics.
const (
	InstrumentEquity = "equity"
	InstrumentOption = "option"
	InstrumentFuture = "future"
)

// Security is a tradable underlying instrument. One row per configured
// symbol, created at startup and updated in place on every simulation tick
// and impact event. LastPrice never drops below the configured floor.
type Security struct {
	Symbol           string          `json:"symbol" db:"symbol"`
	Name             string          `json:"name" db:"name"`
	Description      string          `json:"description" db:"description"`
	LastPrice        decimal.Decimal `json:"last_price" db:"last_price"`
	Drift            float64         `json:"drift" db:"drift"`
	Volatility       float64         `json:"volatility" db:"volatility"`
	MeanReversion    float64         `json:"mean_reversion" db:"mean_reversion"`
	FundamentalValue float64         `json:"fundamental_value" db:"fundamental_value"`
	Liquidity        float64         `json:"liquidity" db:"liquidity"`
	Impact           float64         `json:"impact" db:"impact"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// PricePoint is one row of the append-only price history: (symbol, price,
// timestamp). Written on every tick and every impact event, never mutated.
type PricePoint struct {
	Symbol    string          `json:"symbol" db:"security_symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// OptionListing is a European option contract. Immutable after creation;
// stale listings (expiration in the past) stay in storage and are excluded
// by active-listing queries.
type OptionListing struct {
	ID         string          `json:"id" db:"id"`
	Symbol     string          `json:"symbol" db:"security_symbol"`
	Kind       OptionKind      `json:"kind" db:"kind"`
	Strike     decimal.Decimal `json:"strike" db:"strike"` // always > 0
	Expiration time.Time       `json:"expiration" db:"expiration"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// FutureListing is a futures contract: delivery date only, no strike.
type FutureListing struct {
	ID           string    `json:"id" db:"id"`
	Symbol       string    `json:"symbol" db:"security_symbol"`
	DeliveryDate time.Time `json:"delivery_date" db:"delivery_date"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SecurityHolding is a per-user equity position. Quantity is reduced to
// exactly zero (not deleted) when fully closed; AveragePrice resets to zero
// in that case.
type SecurityHolding struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"security_symbol"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// OptionHolding is a per-user position in one option listing.
type OptionHolding struct {
	UserID         string          `json:"user_id" db:"user_id"`
	ListingID      string          `json:"listing_id" db:"listing_id"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	AveragePremium decimal.Decimal `json:"average_premium" db:"average_premium"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// FutureHolding is a per-user position in one future listing. Quantity is
// signed: positive = long, negative = short. EntryPrice is the forward at
// the most recent position change, zero when flat.
type FutureHolding struct {
	UserID     string          `json:"user_id" db:"user_id"`
	ListingID  string          `json:"listing_id" db:"listing_id"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// User is a trading account. Balance is mutated only through atomic trade
// application in the store.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of a trade execution. Once created,
// these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"security_symbol"`
	Instrument  string          `json:"instrument" db:"instrument"` // equity, option, future
	ListingID   string          `json:"listing_id,omitempty" db:"listing_id"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"` // signed: +buy, -sell
	Price       decimal.Decimal `json:"price" db:"price"`       // unit price or premium
	Notional    decimal.Decimal `json:"notional" db:"notional"`
	CashDelta   decimal.Decimal `json:"cash_delta" db:"cash_delta"` // negative = charge
	Action      string          `json:"action" db:"action"`
	Description string          `json:"description" db:"description"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// TradeResult describes one executed trade, returned to the caller.
type TradeResult struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Notional    decimal.Decimal `json:"notional"`
	Action      string          `json:"action"`
	Description string          `json:"description"`
	CashDelta   decimal.Decimal `json:"cash_delta"`
}

// Candle is one OHLC bucket aggregated from price history.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}
