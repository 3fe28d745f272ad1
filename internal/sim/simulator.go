// Package sim implements the market simulator: mean-reverting lognormal
// price evolution on a background cadence, lazy derivative listing
// management, analytic pricing reads, and the order impact model that
// couples trade flow back into price formation.
//
// One mutex scoped to the Simulator serializes full simulation ticks and
// individual impact events, so a reader never observes a partially updated
// price set and no impact read-modify-write is lost. Holding and balance
// mutations are out of scope here; they run under the store's trade
// transaction in the trading layer.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/config"
	"github.com/arcadex/market-engine/internal/metrics"
	"github.com/arcadex/market-engine/internal/model"
	"github.com/arcadex/market-engine/internal/pricing"
	"github.com/arcadex/market-engine/internal/store"
)

// MinPrice is the hard floor for every security price. Diffusion steps and
// impact adjustments clamp here; a price never reaches zero or below.
var MinPrice = decimal.NewFromFloat(0.01)

// Impact adjustment factor bounds: one impact event can never move a price
// more than 50% in either direction.
const (
	minImpactFactor = 0.5
	maxImpactFactor = 1.5
)

// priceEpsilon floors the mean reversion denominator so a price at the
// minimum never divides by zero.
const priceEpsilon = 1e-6

// joinGrace bounds how long Stop waits beyond one cadence interval.
const joinGrace = time.Second

// PricePublisher receives committed price updates (ticks and impact events)
// for fan-out to subscribers. Implementations must not block.
type PricePublisher interface {
	PublishPrices(points []model.PricePoint)
}

// Simulator owns stochastic price evolution and derivative listings.
type Simulator struct {
	store     store.Store
	publisher PricePublisher

	// mu serializes ticks, impact events, config swaps, and the rng.
	mu           sync.Mutex
	configs      map[string]config.SecurityConfig
	interval     time.Duration
	riskFreeRate float64
	rng          *rand.Rand

	// runMu guards the scheduler lifecycle, independent of tick state.
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithPublisher attaches a price publisher notified after every commit.
func WithPublisher(p PricePublisher) Option {
	return func(s *Simulator) { s.publisher = p }
}

// New constructs a simulator over the given store and configuration.
// The persistence handle is injected here once; background work never
// depends on ambient global state.
func New(st store.Store, cfg *config.Config, opts ...Option) *Simulator {
	seed := cfg.Market.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		store: st,
		rng:   rand.New(rand.NewSource(seed)),
	}
	s.applyConfig(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// applyConfig swaps in a parsed configuration wholesale, never mutating the
// previous map in place: a tick in flight sees either the old or the new
// parameter set, never a mix.
func (s *Simulator) applyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = cfg.Securities
	s.interval = time.Duration(cfg.Market.UpdateIntervalSeconds * float64(time.Second))
	s.riskFreeRate = cfg.Risk.RiskFreeRate
	metrics.TrackedSecurities.Set(float64(len(cfg.Securities)))
}

// ReloadConfig re-reads the configuration file and replaces the parameter
// set under the tick lock.
func (s *Simulator) ReloadConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	s.applyConfig(cfg)
	slog.Info("market config reloaded", "path", path, "securities", len(cfg.Securities))
	return nil
}

// Interval returns the current tick cadence.
func (s *Simulator) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// RiskFreeRate returns the configured annualized risk-free rate.
func (s *Simulator) RiskFreeRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riskFreeRate
}

func (s *Simulator) sortedSymbols() []string {
	symbols := make([]string, 0, len(s.configs))
	for symbol := range s.configs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// --- Lifecycle ---

// EnsureInitialized is the idempotent startup hook: it creates missing
// security rows from configuration, refreshes config-derived fields on
// existing rows, seeds initial price history, and ensures derivative
// listings exist. Safe to call multiple times.
func (s *Simulator) EnsureInitialized(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, symbol := range s.sortedSymbols() {
		cfg := s.configs[symbol]
		initial := decimal.NewFromFloat(cfg.InitialPrice)

		sec, err := s.store.GetSecurity(ctx, symbol)
		switch {
		case errors.Is(err, store.ErrNotFound):
			sec = &model.Security{
				Symbol:           symbol,
				Name:             cfg.Name,
				Description:      cfg.Description,
				LastPrice:        initial,
				Drift:            cfg.Drift,
				Volatility:       cfg.Volatility,
				MeanReversion:    cfg.MeanReversion,
				FundamentalValue: cfg.FundamentalValue,
				Liquidity:        cfg.Liquidity,
				Impact:           cfg.Impact,
				UpdatedAt:        now,
			}
			if err := s.store.CreateSecurity(ctx, sec); err != nil {
				return fmt.Errorf("sim: create security %s: %w", symbol, err)
			}
			if err := s.store.CommitPrices(ctx, []model.PricePoint{{Symbol: symbol, Price: initial, Timestamp: now}}); err != nil {
				return fmt.Errorf("sim: seed history %s: %w", symbol, err)
			}
		case err != nil:
			return fmt.Errorf("sim: load security %s: %w", symbol, err)
		default:
			sec.Name = cfg.Name
			sec.Description = cfg.Description
			sec.Drift = cfg.Drift
			sec.Volatility = cfg.Volatility
			sec.MeanReversion = cfg.MeanReversion
			sec.FundamentalValue = cfg.FundamentalValue
			sec.Liquidity = cfg.Liquidity
			sec.Impact = cfg.Impact
			sec.UpdatedAt = now
			priceReset := !sec.LastPrice.IsPositive()
			if priceReset {
				sec.LastPrice = initial
			}
			if err := s.store.UpdateSecurity(ctx, sec); err != nil {
				return fmt.Errorf("sim: refresh security %s: %w", symbol, err)
			}
			if priceReset {
				if err := s.store.CommitPrices(ctx, []model.PricePoint{{Symbol: symbol, Price: initial, Timestamp: now}}); err != nil {
					return fmt.Errorf("sim: reseed history %s: %w", symbol, err)
				}
			}
		}

		if err := s.ensureOptionListings(ctx, sec, &cfg, now); err != nil {
			return err
		}
		if err := s.ensureFutureListings(ctx, sec, &cfg, now); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background tick scheduler. Idempotent: a second call
// while running is a no-op.
func (s *Simulator) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run()
	slog.Info("market simulator started", "interval", s.Interval())
}

// Stop signals the scheduler to exit and waits for it, bounded by one
// cadence interval plus a small grace period.
func (s *Simulator) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	select {
	case <-s.done:
	case <-time.After(s.Interval() + joinGrace):
		slog.Warn("market simulator did not stop within join timeout")
	}
	s.running = false
	slog.Info("market simulator stopped")
}

// run is the scheduler loop: tick, then sleep for whatever remains of the
// cadence interval. A failed tick is logged and the next one attempted
// after the normal delay.
func (s *Simulator) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		start := time.Now()
		if err := s.Step(context.Background()); err != nil {
			metrics.TickErrors.Inc()
			slog.Error("simulation tick failed", "err", err)
		}

		delay := s.Interval() - time.Since(start)
		if delay < 0 {
			delay = 0
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// --- Price evolution ---

// Step advances every configured security by one simulation step and
// commits all new prices atomically. Securities not yet present in the
// store are skipped. Exported for admin tools and tests.
func (s *Simulator) Step(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := start.UTC()
	updates := make([]model.PricePoint, 0, len(s.configs))

	for _, symbol := range s.sortedSymbols() {
		cfg := s.configs[symbol]
		sec, err := s.store.GetSecurity(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sim: tick %s: %w", symbol, err)
		}
		updates = append(updates, model.PricePoint{
			Symbol:    symbol,
			Price:     s.evolve(&cfg, sec),
			Timestamp: now,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.store.CommitPrices(ctx, updates); err != nil {
		return fmt.Errorf("sim: commit tick: %w", err)
	}

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if s.publisher != nil {
		s.publisher.PublishPrices(updates)
	}
	return nil
}

// evolve applies one discrete step of the mean-reverting lognormal
// diffusion:
//
//	S' = S · exp((μ + κ·(F−S)/S − σ²/2)·dt + σ·√dt·Z)
//
// with dt = max(cadence, 1s) as a fraction of a year, clamped to MinPrice.
// Caller holds s.mu (the rng is not safe for concurrent use).
func (s *Simulator) evolve(cfg *config.SecurityConfig, sec *model.Security) decimal.Decimal {
	price := clampPrice(sec.LastPrice).InexactFloat64()
	dt := math.Max(s.interval.Seconds(), 1.0) / pricing.SecondsPerYear

	meanReversion := cfg.MeanReversion * (cfg.FundamentalValue - price) / math.Max(price, priceEpsilon)
	drift := cfg.Drift + meanReversion
	sigma := math.Max(0, cfg.Volatility)
	shock := s.rng.NormFloat64()

	exponent := (drift-0.5*sigma*sigma)*dt + sigma*math.Sqrt(dt)*shock
	next := decimal.NewFromFloat(price * math.Exp(exponent)).Round(pricing.PriceScale)
	return clampPrice(next)
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	return p
}

// --- Pricing reads ---

// PriceOption returns the Black-Scholes premium for a listing against the
// current spot, using the security's configured volatility.
func (s *Simulator) PriceOption(ctx context.Context, listing *model.OptionListing) (decimal.Decimal, error) {
	sec, err := s.store.GetSecurity(ctx, listing.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sim: price option: %w", err)
	}
	spot := clampPrice(sec.LastPrice)

	timeToExpiry := time.Until(listing.Expiration).Seconds() / pricing.SecondsPerYear
	if timeToExpiry <= 0 {
		return pricing.Intrinsic(spot, listing.Strike, listing.Kind), nil
	}
	sigma := math.Max(MinPrice.InexactFloat64(), sec.Volatility)
	return pricing.Option(spot, listing.Strike, timeToExpiry, s.RiskFreeRate(), sigma, listing.Kind), nil
}

// PriceFuture returns the cost-of-carry forward price for a listing. At or
// past delivery the forward equals the spot exactly.
func (s *Simulator) PriceFuture(ctx context.Context, listing *model.FutureListing) (decimal.Decimal, error) {
	sec, err := s.store.GetSecurity(ctx, listing.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sim: price future: %w", err)
	}
	spot := clampPrice(sec.LastPrice)

	timeToDelivery := time.Until(listing.DeliveryDate).Seconds() / pricing.SecondsPerYear
	return pricing.Forward(spot, timeToDelivery, s.RiskFreeRate()), nil
}

// --- Order impact ---

// ApplyOrderImpact nudges a security's price in response to signed trading
// pressure: factor = 1 + impact·q/liquidity, clamped to [0.5, 1.5], applied
// under the tick lock as one narrow atomic commit. Unknown symbols are
// ignored: impact is best-effort coupling, not a validation surface.
func (s *Simulator) ApplyOrderImpact(ctx context.Context, symbol string, signedQuantity float64) error {
	if signedQuantity == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[symbol]
	if !ok {
		return nil
	}
	sec, err := s.store.GetSecurity(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sim: order impact %s: %w", symbol, err)
	}

	factor := 1.0 + cfg.Impact*signedQuantity/math.Max(cfg.Liquidity, config.MinLiquidity)
	if factor < minImpactFactor {
		factor = minImpactFactor
		metrics.ImpactClampsTotal.Inc()
	} else if factor > maxImpactFactor {
		factor = maxImpactFactor
		metrics.ImpactClampsTotal.Inc()
	}

	newPrice := clampPrice(sec.LastPrice.Mul(decimal.NewFromFloat(factor)).Round(pricing.PriceScale))
	update := model.PricePoint{Symbol: symbol, Price: newPrice, Timestamp: time.Now().UTC()}
	if err := s.store.CommitPrices(ctx, []model.PricePoint{update}); err != nil {
		return fmt.Errorf("sim: order impact %s: %w", symbol, err)
	}
	if s.publisher != nil {
		s.publisher.PublishPrices([]model.PricePoint{update})
	}
	return nil
}

// --- Listing manager ---

// SyncListings idempotently ensures option and future listings exist for
// every configured tenor and strike multiplier relative to current spot.
// Runs at startup (via EnsureInitialized) and opportunistically thereafter;
// it never deletes, and expired listings are excluded by query filters.
func (s *Simulator) SyncListings(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, symbol := range s.sortedSymbols() {
		cfg := s.configs[symbol]
		sec, err := s.store.GetSecurity(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sim: sync listings %s: %w", symbol, err)
		}
		if err := s.ensureOptionListings(ctx, sec, &cfg, now); err != nil {
			return err
		}
		if err := s.ensureFutureListings(ctx, sec, &cfg, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) ensureOptionListings(ctx context.Context, sec *model.Security, cfg *config.SecurityConfig, now time.Time) error {
	base := clampPrice(sec.LastPrice)
	for _, tenor := range cfg.OptionsTenors {
		expiration := now.Add(time.Duration(tenor) * 24 * time.Hour).Truncate(time.Minute)
		for _, multiplier := range cfg.OptionsStrikeMultipliers {
			strike := base.Mul(decimal.NewFromFloat(multiplier)).Round(2)
			if !strike.IsPositive() {
				continue
			}
			for _, kind := range []model.OptionKind{model.Call, model.Put} {
				_, err := s.store.FindOptionListing(ctx, sec.Symbol, kind, strike, expiration)
				if err == nil {
					continue
				}
				if !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("sim: ensure option listings %s: %w", sec.Symbol, err)
				}
				listing := &model.OptionListing{
					ID:         uuid.New().String(),
					Symbol:     sec.Symbol,
					Kind:       kind,
					Strike:     strike,
					Expiration: expiration,
					CreatedAt:  now,
				}
				if err := s.store.CreateOptionListing(ctx, listing); err != nil {
					return fmt.Errorf("sim: ensure option listings %s: %w", sec.Symbol, err)
				}
			}
		}
	}
	return nil
}

func (s *Simulator) ensureFutureListings(ctx context.Context, sec *model.Security, cfg *config.SecurityConfig, now time.Time) error {
	for _, tenor := range cfg.FuturesTenors {
		delivery := now.Add(time.Duration(tenor) * 24 * time.Hour).Truncate(time.Minute)
		_, err := s.store.FindFutureListing(ctx, sec.Symbol, delivery)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("sim: ensure future listings %s: %w", sec.Symbol, err)
		}
		listing := &model.FutureListing{
			ID:           uuid.New().String(),
			Symbol:       sec.Symbol,
			DeliveryDate: delivery,
			CreatedAt:    now,
		}
		if err := s.store.CreateFutureListing(ctx, listing); err != nil {
			return fmt.Errorf("sim: ensure future listings %s: %w", sec.Symbol, err)
		}
	}
	return nil
}
