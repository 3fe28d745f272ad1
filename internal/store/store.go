// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for hot security reads), and in-memory (for testing/development).
//
// The store owns the transaction boundary: multi-row mutations that must be
// atomic (a full tick, a trade's balance/holding/ledger triple) are single
// interface calls so every implementation commits them as one unit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// Sentinel errors shared by all implementations. Callers match with
// errors.Is and translate into user-facing messages.
var (
	ErrNotFound            = errors.New("store: not found")
	ErrAlreadyExists       = errors.New("store: already exists")
	ErrInsufficientBalance = errors.New("store: balance would go negative")
)

// TradeUpdate batches one trade's persistence effects: the user's balance
// mutation, at most one holding upsert, and the immutable ledger entry.
// Implementations apply all of it atomically or not at all.
type TradeUpdate struct {
	UserID    string
	CashDelta decimal.Decimal

	// Exactly one of the holdings is set, matching the instrument traded.
	SecurityHolding *model.SecurityHolding
	OptionHolding   *model.OptionHolding
	FutureHolding   *model.FutureHolding

	Ledger *model.LedgerEntry
}

// Store is the persistence interface.
type Store interface {
	// --- Securities ---

	// CreateSecurity persists a new security row.
	CreateSecurity(ctx context.Context, sec *model.Security) error

	// GetSecurity retrieves a security by symbol.
	GetSecurity(ctx context.Context, symbol string) (*model.Security, error)

	// ListSecurities returns all securities.
	ListSecurities(ctx context.Context) ([]model.Security, error)

	// UpdateSecurity rewrites a security row (config-derived field refresh).
	UpdateSecurity(ctx context.Context, sec *model.Security) error

	// --- Price history ---

	// CommitPrices atomically sets last prices and appends one history row
	// per update. A full simulation tick and a single impact event both go
	// through here, so a concurrent reader never observes a partial tick.
	CommitPrices(ctx context.Context, updates []model.PricePoint) error

	// ListPriceHistory returns history rows for a symbol at or after since,
	// oldest first. limit caps the row count when positive; when since is
	// the zero time the most recent limit rows are returned instead.
	ListPriceHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]model.PricePoint, error)

	// PriceAtOrBefore returns the latest history row not after at, or
	// ErrNotFound when the symbol has no history that old.
	PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.PricePoint, error)

	// --- Derivative listings ---

	CreateOptionListing(ctx context.Context, l *model.OptionListing) error
	GetOptionListing(ctx context.Context, id string) (*model.OptionListing, error)

	// FindOptionListing locates a listing by its full identity; used by the
	// listing manager for idempotent creation and by ticker lookups.
	FindOptionListing(ctx context.Context, symbol string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*model.OptionListing, error)

	// ListActiveOptionListings returns listings with expiration after now.
	ListActiveOptionListings(ctx context.Context, symbol string, now time.Time) ([]model.OptionListing, error)

	CreateFutureListing(ctx context.Context, l *model.FutureListing) error
	GetFutureListing(ctx context.Context, id string) (*model.FutureListing, error)
	FindFutureListing(ctx context.Context, symbol string, delivery time.Time) (*model.FutureListing, error)
	ListActiveFutureListings(ctx context.Context, symbol string, now time.Time) ([]model.FutureListing, error)

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Holdings ---

	// Get*Holding return (nil, nil) when the user has no position yet.
	GetSecurityHolding(ctx context.Context, userID, symbol string) (*model.SecurityHolding, error)
	GetOptionHolding(ctx context.Context, userID, listingID string) (*model.OptionHolding, error)
	GetFutureHolding(ctx context.Context, userID, listingID string) (*model.FutureHolding, error)

	ListSecurityHoldings(ctx context.Context, userID string) ([]model.SecurityHolding, error)
	ListOptionHoldings(ctx context.Context, userID string) ([]model.OptionHolding, error)
	ListFutureHoldings(ctx context.Context, userID string) ([]model.FutureHolding, error)

	// --- Trades ---

	// ApplyTrade atomically applies one trade: balance delta, holding
	// upsert, ledger append. Fails with ErrInsufficientBalance if the
	// balance would go negative.
	ApplyTrade(ctx context.Context, update TradeUpdate) error

	// ListLedgerEntries returns a user's trade records, newest first.
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}
