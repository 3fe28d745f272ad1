package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	securities map[string]*model.Security
	history    map[string][]model.PricePoint // symbol -> rows, oldest first
	options    map[string]*model.OptionListing
	futures    map[string]*model.FutureListing
	users      map[string]*model.User

	secHoldings map[string]*model.SecurityHolding // userID+"/"+symbol
	optHoldings map[string]*model.OptionHolding   // userID+"/"+listingID
	futHoldings map[string]*model.FutureHolding   // userID+"/"+listingID

	ledger []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		securities:  make(map[string]*model.Security),
		history:     make(map[string][]model.PricePoint),
		options:     make(map[string]*model.OptionListing),
		futures:     make(map[string]*model.FutureListing),
		users:       make(map[string]*model.User),
		secHoldings: make(map[string]*model.SecurityHolding),
		optHoldings: make(map[string]*model.OptionHolding),
		futHoldings: make(map[string]*model.FutureHolding),
	}
}

func holdingKey(userID, ref string) string { return userID + "/" + ref }

// --- Securities ---

func (s *MemoryStore) CreateSecurity(_ context.Context, sec *model.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.securities[sec.Symbol]; ok {
		return fmt.Errorf("security %s: %w", sec.Symbol, ErrAlreadyExists)
	}
	cp := *sec
	s.securities[sec.Symbol] = &cp
	return nil
}

func (s *MemoryStore) GetSecurity(_ context.Context, symbol string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.securities[symbol]
	if !ok {
		return nil, fmt.Errorf("security %s: %w", symbol, ErrNotFound)
	}
	cp := *sec
	return &cp, nil
}

func (s *MemoryStore) ListSecurities(_ context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Security, 0, len(s.securities))
	for _, sec := range s.securities {
		out = append(out, *sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpdateSecurity(_ context.Context, sec *model.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.securities[sec.Symbol]; !ok {
		return fmt.Errorf("security %s: %w", sec.Symbol, ErrNotFound)
	}
	cp := *sec
	s.securities[sec.Symbol] = &cp
	return nil
}

// --- Price history ---

func (s *MemoryStore) CommitPrices(_ context.Context, updates []model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so the batch applies all-or-nothing.
	for _, u := range updates {
		if _, ok := s.securities[u.Symbol]; !ok {
			return fmt.Errorf("security %s: %w", u.Symbol, ErrNotFound)
		}
	}
	for _, u := range updates {
		sec := s.securities[u.Symbol]
		sec.LastPrice = u.Price
		sec.UpdatedAt = u.Timestamp
		s.history[u.Symbol] = append(s.history[u.Symbol], u)
	}
	return nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, symbol string, since time.Time, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[symbol]
	var out []model.PricePoint
	if since.IsZero() {
		out = append(out, rows...)
		if limit > 0 && len(out) > limit {
			out = out[len(out)-limit:]
		}
		return out, nil
	}
	for _, p := range rows {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PriceAtOrBefore(_ context.Context, symbol string, at time.Time) (*model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[symbol]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Timestamp.After(at) {
			cp := rows[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("price history for %s at %s: %w", symbol, at.Format(time.RFC3339), ErrNotFound)
}

// --- Option listings ---

func (s *MemoryStore) CreateOptionListing(_ context.Context, l *model.OptionListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.options[l.ID]; ok {
		return fmt.Errorf("option listing %s: %w", l.ID, ErrAlreadyExists)
	}
	cp := *l
	s.options[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOptionListing(_ context.Context, id string) (*model.OptionListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.options[id]
	if !ok {
		return nil, fmt.Errorf("option listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) FindOptionListing(_ context.Context, symbol string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*model.OptionListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.options {
		if l.Symbol == symbol && l.Kind == kind && l.Strike.Equal(strike) && l.Expiration.Equal(expiration) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("option listing %s %s %s: %w", symbol, kind, strike, ErrNotFound)
}

func (s *MemoryStore) ListActiveOptionListings(_ context.Context, symbol string, now time.Time) ([]model.OptionListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OptionListing
	for _, l := range s.options {
		if l.Symbol == symbol && l.Expiration.After(now) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(out[j].Expiration) {
			return out[i].Expiration.Before(out[j].Expiration)
		}
		if !out[i].Strike.Equal(out[j].Strike) {
			return out[i].Strike.LessThan(out[j].Strike)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// --- Future listings ---

func (s *MemoryStore) CreateFutureListing(_ context.Context, l *model.FutureListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.futures[l.ID]; ok {
		return fmt.Errorf("future listing %s: %w", l.ID, ErrAlreadyExists)
	}
	cp := *l
	s.futures[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFutureListing(_ context.Context, id string) (*model.FutureListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.futures[id]
	if !ok {
		return nil, fmt.Errorf("future listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) FindFutureListing(_ context.Context, symbol string, delivery time.Time) (*model.FutureListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.futures {
		if l.Symbol == symbol && l.DeliveryDate.Equal(delivery) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("future listing %s %s: %w", symbol, delivery.Format(time.RFC3339), ErrNotFound)
}

func (s *MemoryStore) ListActiveFutureListings(_ context.Context, symbol string, now time.Time) ([]model.FutureListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FutureListing
	for _, l := range s.futures {
		if l.Symbol == symbol && l.DeliveryDate.After(now) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryDate.Before(out[j].DeliveryDate) })
	return out, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrAlreadyExists)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// --- Holdings ---

func (s *MemoryStore) GetSecurityHolding(_ context.Context, userID, symbol string) (*model.SecurityHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.secHoldings[holdingKey(userID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetOptionHolding(_ context.Context, userID, listingID string) (*model.OptionHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.optHoldings[holdingKey(userID, listingID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetFutureHolding(_ context.Context, userID, listingID string) (*model.FutureHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.futHoldings[holdingKey(userID, listingID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListSecurityHoldings(_ context.Context, userID string) ([]model.SecurityHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SecurityHolding
	for _, h := range s.secHoldings {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) ListOptionHoldings(_ context.Context, userID string) ([]model.OptionHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OptionHolding
	for _, h := range s.optHoldings {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (s *MemoryStore) ListFutureHoldings(_ context.Context, userID string) ([]model.FutureHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FutureHolding
	for _, h := range s.futHoldings {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

// --- Trades ---

func (s *MemoryStore) ApplyTrade(_ context.Context, update TradeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[update.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", update.UserID, ErrNotFound)
	}
	newBalance := u.Balance.Add(update.CashDelta)
	if newBalance.IsNegative() {
		return ErrInsufficientBalance
	}

	u.Balance = newBalance
	switch {
	case update.SecurityHolding != nil:
		cp := *update.SecurityHolding
		s.secHoldings[holdingKey(cp.UserID, cp.Symbol)] = &cp
	case update.OptionHolding != nil:
		cp := *update.OptionHolding
		s.optHoldings[holdingKey(cp.UserID, cp.ListingID)] = &cp
	case update.FutureHolding != nil:
		cp := *update.FutureHolding
		s.futHoldings[holdingKey(cp.UserID, cp.ListingID)] = &cp
	}
	if update.Ledger != nil {
		s.ledger = append(s.ledger, *update.Ledger)
	}
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID == userID {
			out = append(out, s.ledger[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
