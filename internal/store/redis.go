package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Securities are the hot read path (every quote, every trade);
// derivative listings are immutable after creation, so they cache safely
// until their TTL. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func securityKey(symbol string) string { return "security:" + symbol }
func optionKey(id string) string       { return "option:" + id }
func futureKey(id string) string       { return "future:" + id }

// --- Securities (cached) ---

func (s *CachedStore) GetSecurity(ctx context.Context, symbol string) (*model.Security, error) {
	if data, err := s.rdb.Get(ctx, securityKey(symbol)).Bytes(); err == nil {
		var sec model.Security
		if json.Unmarshal(data, &sec) == nil {
			return &sec, nil
		}
	}
	sec, err := s.primary.GetSecurity(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, securityKey(symbol), sec)
	return sec, nil
}

func (s *CachedStore) CreateSecurity(ctx context.Context, sec *model.Security) error {
	if err := s.primary.CreateSecurity(ctx, sec); err != nil {
		return err
	}
	s.cacheJSON(ctx, securityKey(sec.Symbol), sec)
	return nil
}

func (s *CachedStore) UpdateSecurity(ctx context.Context, sec *model.Security) error {
	if err := s.primary.UpdateSecurity(ctx, sec); err != nil {
		return err
	}
	s.rdb.Del(ctx, securityKey(sec.Symbol))
	return nil
}

func (s *CachedStore) CommitPrices(ctx context.Context, updates []model.PricePoint) error {
	if err := s.primary.CommitPrices(ctx, updates); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the committed price.
	keys := make([]string, len(updates))
	for i, u := range updates {
		keys[i] = securityKey(u.Symbol)
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Listings (cached by id, immutable) ---

func (s *CachedStore) GetOptionListing(ctx context.Context, id string) (*model.OptionListing, error) {
	if data, err := s.rdb.Get(ctx, optionKey(id)).Bytes(); err == nil {
		var l model.OptionListing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}
	l, err := s.primary.GetOptionListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, optionKey(id), l)
	return l, nil
}

func (s *CachedStore) GetFutureListing(ctx context.Context, id string) (*model.FutureListing, error) {
	if data, err := s.rdb.Get(ctx, futureKey(id)).Bytes(); err == nil {
		var l model.FutureListing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}
	l, err := s.primary.GetFutureListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, futureKey(id), l)
	return l, nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// Best effort: a cache miss is always recoverable from the primary.
	s.rdb.Set(ctx, key, data, s.ttl)
}

// --- Pass-through to the primary store ---

func (s *CachedStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	return s.primary.ListSecurities(ctx)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, symbol, since, limit)
}

func (s *CachedStore) PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.PricePoint, error) {
	return s.primary.PriceAtOrBefore(ctx, symbol, at)
}

func (s *CachedStore) CreateOptionListing(ctx context.Context, l *model.OptionListing) error {
	return s.primary.CreateOptionListing(ctx, l)
}

func (s *CachedStore) FindOptionListing(ctx context.Context, symbol string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*model.OptionListing, error) {
	return s.primary.FindOptionListing(ctx, symbol, kind, strike, expiration)
}

func (s *CachedStore) ListActiveOptionListings(ctx context.Context, symbol string, now time.Time) ([]model.OptionListing, error) {
	return s.primary.ListActiveOptionListings(ctx, symbol, now)
}

func (s *CachedStore) CreateFutureListing(ctx context.Context, l *model.FutureListing) error {
	return s.primary.CreateFutureListing(ctx, l)
}

func (s *CachedStore) FindFutureListing(ctx context.Context, symbol string, delivery time.Time) (*model.FutureListing, error) {
	return s.primary.FindFutureListing(ctx, symbol, delivery)
}

func (s *CachedStore) ListActiveFutureListings(ctx context.Context, symbol string, now time.Time) ([]model.FutureListing, error) {
	return s.primary.ListActiveFutureListings(ctx, symbol, now)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetSecurityHolding(ctx context.Context, userID, symbol string) (*model.SecurityHolding, error) {
	return s.primary.GetSecurityHolding(ctx, userID, symbol)
}

func (s *CachedStore) GetOptionHolding(ctx context.Context, userID, listingID string) (*model.OptionHolding, error) {
	return s.primary.GetOptionHolding(ctx, userID, listingID)
}

func (s *CachedStore) GetFutureHolding(ctx context.Context, userID, listingID string) (*model.FutureHolding, error) {
	return s.primary.GetFutureHolding(ctx, userID, listingID)
}

func (s *CachedStore) ListSecurityHoldings(ctx context.Context, userID string) ([]model.SecurityHolding, error) {
	return s.primary.ListSecurityHoldings(ctx, userID)
}

func (s *CachedStore) ListOptionHoldings(ctx context.Context, userID string) ([]model.OptionHolding, error) {
	return s.primary.ListOptionHoldings(ctx, userID)
}

func (s *CachedStore) ListFutureHoldings(ctx context.Context, userID string) ([]model.FutureHolding, error) {
	return s.primary.ListFutureHoldings(ctx, userID)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, update TradeUpdate) error {
	return s.primary.ApplyTrade(ctx, update)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID, limit)
}
