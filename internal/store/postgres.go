package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func mapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Securities ---

const securityColumns = `symbol, name, description, last_price::TEXT,
	drift, volatility, mean_reversion, fundamental_value, liquidity, impact,
	updated_at`

func scanSecurity(row pgx.Row) (*model.Security, error) {
	var sec model.Security
	var lastPrice string
	if err := row.Scan(&sec.Symbol, &sec.Name, &sec.Description, &lastPrice,
		&sec.Drift, &sec.Volatility, &sec.MeanReversion, &sec.FundamentalValue,
		&sec.Liquidity, &sec.Impact, &sec.UpdatedAt); err != nil {
		return nil, err
	}
	sec.LastPrice, _ = decimal.NewFromString(lastPrice)
	return &sec, nil
}

func (s *PostgresStore) CreateSecurity(ctx context.Context, sec *model.Security) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO securities (symbol, name, description, last_price, drift,
		   volatility, mean_reversion, fundamental_value, liquidity, impact, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11)`,
		sec.Symbol, sec.Name, sec.Description, sec.LastPrice.String(),
		sec.Drift, sec.Volatility, sec.MeanReversion, sec.FundamentalValue,
		sec.Liquidity, sec.Impact, sec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create security %s: %w", sec.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) GetSecurity(ctx context.Context, symbol string) (*model.Security, error) {
	sec, err := scanSecurity(s.pool.QueryRow(ctx,
		`SELECT `+securityColumns+` FROM securities WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, mapNoRows(err, "get security "+symbol)
	}
	return sec, nil
}

func (s *PostgresStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+securityColumns+` FROM securities ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list securities: %w", err)
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, fmt.Errorf("list securities: %w", err)
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSecurity(ctx context.Context, sec *model.Security) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE securities SET name = $2, description = $3, last_price = $4::NUMERIC,
		   drift = $5, volatility = $6, mean_reversion = $7, fundamental_value = $8,
		   liquidity = $9, impact = $10, updated_at = $11
		 WHERE symbol = $1`,
		sec.Symbol, sec.Name, sec.Description, sec.LastPrice.String(),
		sec.Drift, sec.Volatility, sec.MeanReversion, sec.FundamentalValue,
		sec.Liquidity, sec.Impact, sec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update security %s: %w", sec.Symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update security %s: %w", sec.Symbol, ErrNotFound)
	}
	return nil
}

// --- Price history ---

func (s *PostgresStore) CommitPrices(ctx context.Context, updates []model.PricePoint) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit prices: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE securities SET last_price = $2::NUMERIC, updated_at = $3 WHERE symbol = $1`,
			u.Symbol, u.Price.String(), u.Timestamp)
		if err != nil {
			return fmt.Errorf("commit prices %s: %w", u.Symbol, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("commit prices %s: %w", u.Symbol, ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO security_price_history (security_symbol, price, timestamp)
			 VALUES ($1, $2::NUMERIC, $3)`,
			u.Symbol, u.Price.String(), u.Timestamp); err != nil {
			return fmt.Errorf("commit prices %s: %w", u.Symbol, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]model.PricePoint, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since.IsZero() {
		// Most recent rows, re-ordered oldest first.
		rows, err = s.pool.Query(ctx,
			`SELECT security_symbol, price::TEXT, timestamp FROM (
			   SELECT security_symbol, price, timestamp
			   FROM security_price_history
			   WHERE security_symbol = $1
			   ORDER BY timestamp DESC
			   LIMIT $2
			 ) recent ORDER BY timestamp ASC`,
			symbol, nullableLimit(limit))
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT security_symbol, price::TEXT, timestamp
			 FROM security_price_history
			 WHERE security_symbol = $1 AND timestamp >= $2
			 ORDER BY timestamp ASC
			 LIMIT $3`,
			symbol, since, nullableLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("list price history %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.Symbol, &price, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("list price history %s: %w", symbol, err)
		}
		p.Price, _ = decimal.NewFromString(price)
		out = append(out, p)
	}
	return out, rows.Err()
}

// nullableLimit turns a non-positive limit into NULL (no LIMIT).
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.PricePoint, error) {
	var p model.PricePoint
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT security_symbol, price::TEXT, timestamp
		 FROM security_price_history
		 WHERE security_symbol = $1 AND timestamp <= $2
		 ORDER BY timestamp DESC
		 LIMIT 1`,
		symbol, at).Scan(&p.Symbol, &price, &p.Timestamp)
	if err != nil {
		return nil, mapNoRows(err, "price at or before for "+symbol)
	}
	p.Price, _ = decimal.NewFromString(price)
	return &p, nil
}

// --- Option listings ---

func scanOptionListing(row pgx.Row) (*model.OptionListing, error) {
	var l model.OptionListing
	var strike string
	if err := row.Scan(&l.ID, &l.Symbol, &l.Kind, &strike, &l.Expiration, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Strike, _ = decimal.NewFromString(strike)
	return &l, nil
}

const optionColumns = `id, security_symbol, kind, strike::TEXT, expiration, created_at`

func (s *PostgresStore) CreateOptionListing(ctx context.Context, l *model.OptionListing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO option_listings (id, security_symbol, kind, strike, expiration, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		l.ID, l.Symbol, l.Kind, l.Strike.String(), l.Expiration, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create option listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOptionListing(ctx context.Context, id string) (*model.OptionListing, error) {
	l, err := scanOptionListing(s.pool.QueryRow(ctx,
		`SELECT `+optionColumns+` FROM option_listings WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "get option listing "+id)
	}
	return l, nil
}

func (s *PostgresStore) FindOptionListing(ctx context.Context, symbol string, kind model.OptionKind, strike decimal.Decimal, expiration time.Time) (*model.OptionListing, error) {
	l, err := scanOptionListing(s.pool.QueryRow(ctx,
		`SELECT `+optionColumns+` FROM option_listings
		 WHERE security_symbol = $1 AND kind = $2 AND strike = $3::NUMERIC AND expiration = $4`,
		symbol, kind, strike.String(), expiration))
	if err != nil {
		return nil, mapNoRows(err, "find option listing "+symbol)
	}
	return l, nil
}

func (s *PostgresStore) ListActiveOptionListings(ctx context.Context, symbol string, now time.Time) ([]model.OptionListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionColumns+` FROM option_listings
		 WHERE security_symbol = $1 AND expiration > $2
		 ORDER BY expiration, strike, kind`,
		symbol, now)
	if err != nil {
		return nil, fmt.Errorf("list option listings %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []model.OptionListing
	for rows.Next() {
		l, err := scanOptionListing(rows)
		if err != nil {
			return nil, fmt.Errorf("list option listings %s: %w", symbol, err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// --- Future listings ---

func (s *PostgresStore) CreateFutureListing(ctx context.Context, l *model.FutureListing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO future_listings (id, security_symbol, delivery_date, created_at)
		 VALUES ($1, $2, $3, $4)`,
		l.ID, l.Symbol, l.DeliveryDate, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create future listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFutureListing(ctx context.Context, id string) (*model.FutureListing, error) {
	var l model.FutureListing
	err := s.pool.QueryRow(ctx,
		`SELECT id, security_symbol, delivery_date, created_at
		 FROM future_listings WHERE id = $1`, id).
		Scan(&l.ID, &l.Symbol, &l.DeliveryDate, &l.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "get future listing "+id)
	}
	return &l, nil
}

func (s *PostgresStore) FindFutureListing(ctx context.Context, symbol string, delivery time.Time) (*model.FutureListing, error) {
	var l model.FutureListing
	err := s.pool.QueryRow(ctx,
		`SELECT id, security_symbol, delivery_date, created_at
		 FROM future_listings WHERE security_symbol = $1 AND delivery_date = $2`,
		symbol, delivery).
		Scan(&l.ID, &l.Symbol, &l.DeliveryDate, &l.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "find future listing "+symbol)
	}
	return &l, nil
}

func (s *PostgresStore) ListActiveFutureListings(ctx context.Context, symbol string, now time.Time) ([]model.FutureListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, security_symbol, delivery_date, created_at
		 FROM future_listings
		 WHERE security_symbol = $1 AND delivery_date > $2
		 ORDER BY delivery_date`,
		symbol, now)
	if err != nil {
		return nil, fmt.Errorf("list future listings %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []model.FutureListing
	for rows.Next() {
		var l model.FutureListing
		if err := rows.Scan(&l.ID, &l.Symbol, &l.DeliveryDate, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("list future listings %s: %w", symbol, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &balance, &u.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "get user "+id)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

// --- Holdings ---

func (s *PostgresStore) GetSecurityHolding(ctx context.Context, userID, symbol string) (*model.SecurityHolding, error) {
	var h model.SecurityHolding
	var qty, avg string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, security_symbol, quantity::TEXT, average_price::TEXT, updated_at
		 FROM security_holdings WHERE user_id = $1 AND security_symbol = $2`,
		userID, symbol).
		Scan(&h.UserID, &h.Symbol, &qty, &avg, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get security holding %s/%s: %w", userID, symbol, err)
	}
	h.Quantity, _ = decimal.NewFromString(qty)
	h.AveragePrice, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (s *PostgresStore) GetOptionHolding(ctx context.Context, userID, listingID string) (*model.OptionHolding, error) {
	var h model.OptionHolding
	var avg string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, listing_id, quantity, average_premium::TEXT, updated_at
		 FROM option_holdings WHERE user_id = $1 AND listing_id = $2`,
		userID, listingID).
		Scan(&h.UserID, &h.ListingID, &h.Quantity, &avg, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get option holding %s/%s: %w", userID, listingID, err)
	}
	h.AveragePremium, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (s *PostgresStore) GetFutureHolding(ctx context.Context, userID, listingID string) (*model.FutureHolding, error) {
	var h model.FutureHolding
	var entry string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, listing_id, quantity, entry_price::TEXT, updated_at
		 FROM future_holdings WHERE user_id = $1 AND listing_id = $2`,
		userID, listingID).
		Scan(&h.UserID, &h.ListingID, &h.Quantity, &entry, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get future holding %s/%s: %w", userID, listingID, err)
	}
	h.EntryPrice, _ = decimal.NewFromString(entry)
	return &h, nil
}

func (s *PostgresStore) ListSecurityHoldings(ctx context.Context, userID string) ([]model.SecurityHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, security_symbol, quantity::TEXT, average_price::TEXT, updated_at
		 FROM security_holdings WHERE user_id = $1 ORDER BY security_symbol`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list security holdings %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.SecurityHolding
	for rows.Next() {
		var h model.SecurityHolding
		var qty, avg string
		if err := rows.Scan(&h.UserID, &h.Symbol, &qty, &avg, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list security holdings %s: %w", userID, err)
		}
		h.Quantity, _ = decimal.NewFromString(qty)
		h.AveragePrice, _ = decimal.NewFromString(avg)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOptionHoldings(ctx context.Context, userID string) ([]model.OptionHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, listing_id, quantity, average_premium::TEXT, updated_at
		 FROM option_holdings WHERE user_id = $1 ORDER BY listing_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list option holdings %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.OptionHolding
	for rows.Next() {
		var h model.OptionHolding
		var avg string
		if err := rows.Scan(&h.UserID, &h.ListingID, &h.Quantity, &avg, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list option holdings %s: %w", userID, err)
		}
		h.AveragePremium, _ = decimal.NewFromString(avg)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFutureHoldings(ctx context.Context, userID string) ([]model.FutureHolding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, listing_id, quantity, entry_price::TEXT, updated_at
		 FROM future_holdings WHERE user_id = $1 ORDER BY listing_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list future holdings %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.FutureHolding
	for rows.Next() {
		var h model.FutureHolding
		var entry string
		if err := rows.Scan(&h.UserID, &h.ListingID, &h.Quantity, &entry, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list future holdings %s: %w", userID, err)
		}
		h.EntryPrice, _ = decimal.NewFromString(entry)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Trades ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, update TradeUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply trade: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conditional debit: the WHERE clause rejects a balance going negative
	// so concurrent trades cannot overdraw even across instances.
	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0`,
		update.UserID, update.CashDelta.String())
	if err != nil {
		return fmt.Errorf("apply trade balance %s: %w", update.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetUser(ctx, update.UserID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}

	switch {
	case update.SecurityHolding != nil:
		h := update.SecurityHolding
		_, err = tx.Exec(ctx,
			`INSERT INTO security_holdings (user_id, security_symbol, quantity, average_price, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, security_symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
			     updated_at = EXCLUDED.updated_at`,
			h.UserID, h.Symbol, h.Quantity.String(), h.AveragePrice.String(), h.UpdatedAt)
	case update.OptionHolding != nil:
		h := update.OptionHolding
		_, err = tx.Exec(ctx,
			`INSERT INTO option_holdings (user_id, listing_id, quantity, average_premium, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, listing_id) DO UPDATE
			 SET quantity = EXCLUDED.quantity, average_premium = EXCLUDED.average_premium,
			     updated_at = EXCLUDED.updated_at`,
			h.UserID, h.ListingID, h.Quantity, h.AveragePremium.String(), h.UpdatedAt)
	case update.FutureHolding != nil:
		h := update.FutureHolding
		_, err = tx.Exec(ctx,
			`INSERT INTO future_holdings (user_id, listing_id, quantity, entry_price, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, listing_id) DO UPDATE
			 SET quantity = EXCLUDED.quantity, entry_price = EXCLUDED.entry_price,
			     updated_at = EXCLUDED.updated_at`,
			h.UserID, h.ListingID, h.Quantity, h.EntryPrice.String(), h.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("apply trade holding %s: %w", update.UserID, err)
	}

	if e := update.Ledger; e != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, security_symbol, instrument, listing_id,
			   quantity, price, notional, cash_delta, action, description, timestamp)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			   $9::NUMERIC, $10, $11, $12)`,
			e.ID, e.UserID, e.Symbol, e.Instrument, e.ListingID,
			e.Quantity.String(), e.Price.String(), e.Notional.String(),
			e.CashDelta.String(), e.Action, e.Description, e.Timestamp)
		if err != nil {
			return fmt.Errorf("apply trade ledger %s: %w", update.UserID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, security_symbol, instrument, COALESCE(listing_id, ''),
		   quantity::TEXT, price::TEXT, notional::TEXT, cash_delta::TEXT,
		   action, description, timestamp
		 FROM ledger_entries WHERE user_id = $1
		 ORDER BY timestamp DESC LIMIT $2`,
		userID, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var qty, price, notional, cash string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Instrument, &e.ListingID,
			&qty, &price, &notional, &cash, &e.Action, &e.Description, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("list ledger entries %s: %w", userID, err)
		}
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.Notional, _ = decimal.NewFromString(notional)
		e.CashDelta, _ = decimal.NewFromString(cash)
		out = append(out, e)
	}
	return out, rows.Err()
}
