// Package trade provides the HTTP handlers and business logic for
// executing equity, option, and future trades and querying portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/metrics"
	"github.com/arcadex/market-engine/internal/model"
	"github.com/arcadex/market-engine/internal/pricing"
	"github.com/arcadex/market-engine/internal/risk"
	"github.com/arcadex/market-engine/internal/store"
)

// Trade validation errors, matched by handlers with errors.Is.
var (
	ErrZeroQuantity          = errors.New("trade: quantity must be non-zero")
	ErrInsufficientBalance   = errors.New("trade: insufficient balance to buy")
	ErrInsufficientShares    = errors.New("trade: not enough shares to sell")
	ErrInsufficientContracts = errors.New("trade: not enough contracts to sell")
	ErrInsufficientMargin    = errors.New("trade: insufficient balance for margin")
)

// minPrice floors the price a trade can execute at, mirroring the
// simulator's price floor.
var minPrice = decimal.NewFromFloat(0.01)

// marginRate is the fraction of forward notional posted as futures margin.
var marginRate = decimal.NewFromFloat(0.1)

// Impact pressure per derivative contract, scaled onto the underlying.
const (
	optionImpactWeight = 0.05
	futureImpactWeight = 0.1
)

// Market is the simulator surface the trade service depends on: derivative
// pricing reads, the order impact feedback, and the admin hooks.
type Market interface {
	PriceOption(ctx context.Context, listing *model.OptionListing) (decimal.Decimal, error)
	PriceFuture(ctx context.Context, listing *model.FutureListing) (decimal.Decimal, error)
	ApplyOrderImpact(ctx context.Context, symbol string, signedQuantity float64) error
	Step(ctx context.Context) error
	ReloadConfig(path string) error
}

// Service handles trade execution and market queries. Uses a mutex for
// serialized trade execution (single-instance). For horizontal scaling,
// replace with distributed locking or database-level optimistic concurrency.
type Service struct {
	store      store.Store
	market     Market
	limiter    *risk.PositionLimiter
	configPath string
	mu         sync.Mutex
	wsHub      *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, market Market, limiter *risk.PositionLimiter, configPath string, hub *WSHub) *Service {
	return &Service{
		store:      st,
		market:     market,
		limiter:    limiter,
		configPath: configPath,
		wsHub:      hub,
	}
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	return p
}

// ExecuteEquityTrade buys (quantity > 0) or sells (quantity < 0) shares of
// a security at the current simulated price. The balance debit, holding
// update, and ledger entry are applied atomically; the order impact is
// best-effort feedback afterwards.
func (s *Service) ExecuteEquityTrade(ctx context.Context, userID, symbol string, quantity decimal.Decimal) (*model.TradeResult, error) {
	if quantity.IsZero() {
		return nil, ErrZeroQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trade: user %s: %w", userID, err)
	}
	sec, err := s.store.GetSecurity(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("trade: security %s: %w", symbol, err)
	}

	price := clampPrice(sec.LastPrice)
	notional := price.Mul(quantity.Abs())
	now := time.Now().UTC()

	holding, err := s.store.GetSecurityHolding(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("trade: holding %s/%s: %w", userID, symbol, err)
	}
	updated := model.SecurityHolding{UserID: userID, Symbol: symbol}
	if holding != nil {
		updated = *holding
	}

	var cashDelta decimal.Decimal
	var action string
	if quantity.IsPositive() {
		action = "buy"
		if user.Balance.LessThan(notional) {
			return nil, ErrInsufficientBalance
		}
		if s.limiter.Enabled() {
			positions, err := s.equityPositions(ctx, userID)
			if err != nil {
				return nil, err
			}
			if err := s.limiter.CheckLimit(symbol, quantity, positions); err != nil {
				return nil, err
			}
		}
		newQty := updated.Quantity.Add(quantity)
		totalCost := updated.Quantity.Mul(updated.AveragePrice).Add(notional)
		updated.Quantity = newQty
		updated.AveragePrice = totalCost.Div(newQty).Round(pricing.PriceScale)
		cashDelta = notional.Neg()
	} else {
		action = "sell"
		if holding == nil || updated.Quantity.LessThan(quantity.Abs()) {
			return nil, ErrInsufficientShares
		}
		updated.Quantity = updated.Quantity.Add(quantity)
		if !updated.Quantity.IsPositive() {
			updated.Quantity = decimal.Zero
			updated.AveragePrice = decimal.Zero
		}
		cashDelta = notional
	}
	updated.UpdatedAt = now

	verb := "Bought"
	if action == "sell" {
		verb = "Sold"
	}
	result := &model.TradeResult{
		Symbol:      symbol,
		Quantity:    quantity,
		Price:       price,
		Notional:    notional,
		Action:      action,
		Description: fmt.Sprintf("%s %s %s", verb, quantity.Abs().StringFixed(2), symbol),
		CashDelta:   cashDelta,
	}

	update := store.TradeUpdate{
		UserID:          userID,
		CashDelta:       cashDelta,
		SecurityHolding: &updated,
		Ledger: &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      userID,
			Symbol:      symbol,
			Instrument:  model.InstrumentEquity,
			Quantity:    quantity,
			Price:       price,
			Notional:    notional,
			CashDelta:   cashDelta,
			Action:      action,
			Description: result.Description,
			Timestamp:   now,
		},
	}
	if err := s.store.ApplyTrade(ctx, update); err != nil {
		return nil, fmt.Errorf("trade: apply equity trade: %w", err)
	}

	// Shares traded push the price through the impact model, scaled down by
	// the security's liquidity (floored at 1 so thin books do not explode).
	signed, _ := quantity.Float64()
	s.applyImpact(ctx, symbol, signed/math.Max(sec.Liquidity, 1.0))

	s.recordTrade(model.InstrumentEquity, action, start)
	s.broadcastTrade(result)
	return result, nil
}

// ExecuteOptionTrade buys (quantity > 0) or sells (quantity < 0) option
// contracts at the live Black-Scholes premium. Selling is limited to
// contracts held; there is no naked writing.
func (s *Service) ExecuteOptionTrade(ctx context.Context, userID, listingID string, quantity int64) (*model.TradeResult, error) {
	if quantity == 0 {
		return nil, ErrZeroQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trade: user %s: %w", userID, err)
	}
	listing, err := s.store.GetOptionListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("trade: option listing %s: %w", listingID, err)
	}

	premium, err := s.market.PriceOption(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("trade: price option %s: %w", listingID, err)
	}
	qty := decimal.NewFromInt(quantity)
	notional := premium.Mul(qty.Abs())
	now := time.Now().UTC()

	holding, err := s.store.GetOptionHolding(ctx, userID, listingID)
	if err != nil {
		return nil, fmt.Errorf("trade: option holding %s/%s: %w", userID, listingID, err)
	}
	updated := model.OptionHolding{UserID: userID, ListingID: listingID}
	if holding != nil {
		updated = *holding
	}

	var cashDelta decimal.Decimal
	var action string
	if quantity > 0 {
		action = "buy"
		if user.Balance.LessThan(notional) {
			return nil, ErrInsufficientBalance
		}
		newQty := updated.Quantity + quantity
		totalPremium := decimal.NewFromInt(updated.Quantity).Mul(updated.AveragePremium).Add(notional)
		updated.Quantity = newQty
		updated.AveragePremium = totalPremium.Div(decimal.NewFromInt(newQty)).Round(pricing.PriceScale)
		cashDelta = notional.Neg()
	} else {
		action = "sell"
		if holding == nil || updated.Quantity < -quantity {
			return nil, ErrInsufficientContracts
		}
		updated.Quantity += quantity
		if updated.Quantity <= 0 {
			updated.Quantity = 0
			updated.AveragePremium = decimal.Zero
		}
		cashDelta = notional
	}
	updated.UpdatedAt = now

	verb := "Buy"
	if action == "sell" {
		verb = "Sell"
	}
	kind := "CALL"
	if listing.Kind == model.Put {
		kind = "PUT"
	}
	result := &model.TradeResult{
		Symbol:      listing.Symbol,
		Quantity:    qty,
		Price:       premium,
		Notional:    notional,
		Action:      action,
		Description: fmt.Sprintf("%s %d %s %s @%s", verb, abs64(quantity), kind, listing.Symbol, listing.Strike.StringFixed(2)),
		CashDelta:   cashDelta,
	}

	update := store.TradeUpdate{
		UserID:        userID,
		CashDelta:     cashDelta,
		OptionHolding: &updated,
		Ledger: &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      userID,
			Symbol:      listing.Symbol,
			Instrument:  model.InstrumentOption,
			ListingID:   listingID,
			Quantity:    qty,
			Price:       premium,
			Notional:    notional,
			CashDelta:   cashDelta,
			Action:      action,
			Description: result.Description,
			Timestamp:   now,
		},
	}
	if err := s.store.ApplyTrade(ctx, update); err != nil {
		return nil, fmt.Errorf("trade: apply option trade: %w", err)
	}

	// Calls transmit buying pressure to the underlying, puts the opposite,
	// both attenuated per contract.
	deltaSign := 1.0
	if listing.Kind == model.Put {
		deltaSign = -1.0
	}
	s.applyImpact(ctx, listing.Symbol, deltaSign*float64(quantity)*optionImpactWeight)

	s.recordTrade(model.InstrumentOption, action, start)
	s.broadcastTrade(result)
	return result, nil
}

// ExecuteFutureTrade adjusts a signed futures position by quantity
// contracts at the cost-of-carry forward price. Cash moves as margin: 10%
// of forward notional is posted when absolute exposure grows and released
// when it shrinks.
func (s *Service) ExecuteFutureTrade(ctx context.Context, userID, listingID string, quantity int64) (*model.TradeResult, error) {
	if quantity == 0 {
		return nil, ErrZeroQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trade: user %s: %w", userID, err)
	}
	listing, err := s.store.GetFutureListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("trade: future listing %s: %w", listingID, err)
	}

	forward, err := s.market.PriceFuture(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("trade: price future %s: %w", listingID, err)
	}
	now := time.Now().UTC()

	holding, err := s.store.GetFutureHolding(ctx, userID, listingID)
	if err != nil {
		return nil, fmt.Errorf("trade: future holding %s/%s: %w", userID, listingID, err)
	}
	updated := model.FutureHolding{UserID: userID, ListingID: listingID}
	var prevQty int64
	if holding != nil {
		updated = *holding
		prevQty = holding.Quantity
	}
	newQty := prevQty + quantity

	prevMargin := forward.Mul(decimal.NewFromInt(abs64(prevQty))).Mul(marginRate)
	newMargin := forward.Mul(decimal.NewFromInt(abs64(newQty))).Mul(marginRate)
	marginDelta := newMargin.Sub(prevMargin)
	if marginDelta.IsPositive() && user.Balance.LessThan(marginDelta) {
		return nil, ErrInsufficientMargin
	}

	updated.Quantity = newQty
	if newQty != 0 {
		updated.EntryPrice = forward
	} else {
		updated.EntryPrice = decimal.Zero
	}
	updated.UpdatedAt = now

	action := "flat"
	if newQty > 0 {
		action = "long"
	} else if newQty < 0 {
		action = "short"
	}
	cashDelta := marginDelta.Neg()
	result := &model.TradeResult{
		Symbol:      listing.Symbol,
		Quantity:    decimal.NewFromInt(quantity),
		Price:       forward,
		Notional:    marginDelta.Abs(),
		Action:      action,
		Description: fmt.Sprintf("Adjusted future position on %s by %+d contract(s)", listing.Symbol, quantity),
		CashDelta:   cashDelta,
	}

	update := store.TradeUpdate{
		UserID:        userID,
		CashDelta:     cashDelta,
		FutureHolding: &updated,
		Ledger: &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      userID,
			Symbol:      listing.Symbol,
			Instrument:  model.InstrumentFuture,
			ListingID:   listingID,
			Quantity:    decimal.NewFromInt(quantity),
			Price:       forward,
			Notional:    marginDelta.Abs(),
			CashDelta:   cashDelta,
			Action:      action,
			Description: result.Description,
			Timestamp:   now,
		},
	}
	if err := s.store.ApplyTrade(ctx, update); err != nil {
		return nil, fmt.Errorf("trade: apply future trade: %w", err)
	}

	s.applyImpact(ctx, listing.Symbol, float64(quantity)*futureImpactWeight)

	s.recordTrade(model.InstrumentFuture, action, start)
	s.broadcastTrade(result)
	return result, nil
}

// equityPositions builds the per-symbol net position map for limit checks.
func (s *Service) equityPositions(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	holdings, err := s.store.ListSecurityHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("trade: list holdings %s: %w", userID, err)
	}
	positions := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		positions[h.Symbol] = h.Quantity
	}
	return positions, nil
}

// applyImpact forwards signed trading pressure to the simulator. The trade
// itself is already committed; a failed impact write only softens price
// feedback, so it is logged and swallowed.
func (s *Service) applyImpact(ctx context.Context, symbol string, signedQuantity float64) {
	if err := s.market.ApplyOrderImpact(ctx, symbol, signedQuantity); err != nil {
		slog.Warn("order impact failed", "symbol", symbol, "err", err)
	}
}

func (s *Service) recordTrade(instrument, action string, start time.Time) {
	metrics.TradesTotal.WithLabelValues(instrument, action).Inc()
	metrics.TradeLatency.WithLabelValues(instrument).Observe(time.Since(start).Seconds())
}

func (s *Service) broadcastTrade(result *model.TradeResult) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "trade_executed",
		Symbol:   result.Symbol,
		Price:    result.Price.String(),
		Action:   result.Action,
		Quantity: result.Quantity.String(),
	})
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
