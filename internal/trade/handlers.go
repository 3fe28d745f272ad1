package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/candle"
	"github.com/arcadex/market-engine/internal/contract"
	"github.com/arcadex/market-engine/internal/model"
	"github.com/arcadex/market-engine/internal/risk"
	"github.com/arcadex/market-engine/internal/store"
)

// deltaWindow is the lookback for the short-term price change shown on the
// securities hub.
const deltaWindow = 10 * time.Minute

// candleWindow is the price history window aggregated into chart candles.
const candleWindow = 2 * time.Hour

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"` // starting balance; zero is valid
}

// EquityTradeRequest is the JSON body for POST /api/v1/trade/equity.
type EquityTradeRequest struct {
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"` // positive = buy, negative = sell
}

// ContractTradeRequest is the JSON body for option and future trades.
type ContractTradeRequest struct {
	UserID    string `json:"user_id"`
	ListingID string `json:"listing_id"`
	Quantity  int64  `json:"quantity"` // positive = buy/long, negative = sell/short
}

// SecuritySummary is one row of the securities hub listing.
type SecuritySummary struct {
	model.Security
	Delta10m decimal.Decimal `json:"delta_10m"`
}

// SecurityDetail is the full detail payload for one security.
type SecurityDetail struct {
	model.Security
	Delta10m decimal.Decimal `json:"delta_10m"`
	Candles  []model.Candle  `json:"candles"`
	Options  []OptionQuote   `json:"options"`
	Futures  []FutureQuote   `json:"futures"`
}

// OptionQuote is an option listing with its live premium and ticker.
type OptionQuote struct {
	model.OptionListing
	Ticker  string          `json:"ticker"`
	Premium decimal.Decimal `json:"premium"`
}

// FutureQuote is a future listing with its live forward price and ticker.
type FutureQuote struct {
	model.FutureListing
	Ticker  string          `json:"ticker"`
	Forward decimal.Decimal `json:"forward"`
}

// Portfolio is the full account snapshot returned to a user.
type Portfolio struct {
	UserID           string                 `json:"user_id"`
	Balance          decimal.Decimal        `json:"balance"`
	SecurityHoldings []SecurityPositionView `json:"security_holdings"`
	OptionHoldings   []model.OptionHolding  `json:"option_holdings"`
	FutureHoldings   []model.FutureHolding  `json:"future_holdings"`
}

// SecurityPositionView is an equity holding with its current market value.
type SecurityPositionView struct {
	model.SecurityHolding
	LastPrice   decimal.Decimal `json:"last_price"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// Routes mounts all trade service endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/securities", s.ListSecuritiesHandler)
	r.Get("/securities/{symbol}", s.GetSecurityHandler)
	r.Get("/securities/{symbol}/history", s.PriceHistoryHandler)
	r.Get("/securities/{symbol}/options", s.ListOptionsHandler)
	r.Get("/securities/{symbol}/futures", s.ListFuturesHandler)
	r.Get("/options/{ticker}/quote", s.QuoteOptionHandler)

	r.Post("/users", s.CreateUserHandler)
	r.Get("/users/{userID}", s.GetUserHandler)
	r.Get("/portfolio/{userID}", s.GetPortfolioHandler)
	r.Get("/ledger/{userID}", s.GetLedgerHandler)

	r.Post("/trade/equity", s.EquityTradeHandler)
	r.Post("/trade/options", s.OptionTradeHandler)
	r.Post("/trade/futures", s.FutureTradeHandler)

	r.Post("/admin/step", s.AdminStepHandler)
	r.Post("/admin/reload", s.AdminReloadHandler)
}

// --- Market data handlers ---

// ListSecuritiesHandler handles GET /api/v1/securities
func (s *Service) ListSecuritiesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	securities, err := s.store.ListSecurities(ctx)
	if err != nil {
		writeError(w, "failed to list securities", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	summaries := make([]SecuritySummary, 0, len(securities))
	for _, sec := range securities {
		summaries = append(summaries, SecuritySummary{
			Security: sec,
			Delta10m: s.priceDelta(ctx, &sec, now),
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetSecurityHandler handles GET /api/v1/securities/{symbol}
func (s *Service) GetSecurityHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := chi.URLParam(r, "symbol")

	sec, err := s.store.GetSecurity(ctx, symbol)
	if err != nil {
		writeError(w, "security not found", http.StatusNotFound)
		return
	}
	now := time.Now().UTC()

	points, err := s.store.ListPriceHistory(ctx, symbol, now.Add(-candleWindow), 0)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if len(points) == 0 {
		// Quiet market: fall back to the most recent rows so the chart is
		// never empty once the security has any history at all.
		points, err = s.store.ListPriceHistory(ctx, symbol, time.Time{}, candle.MaxCandles)
		if err != nil {
			writeError(w, "failed to load price history", http.StatusInternalServerError)
			return
		}
	}

	options, err := s.optionQuotes(ctx, symbol, now)
	if err != nil {
		writeError(w, "failed to load option listings", http.StatusInternalServerError)
		return
	}
	futures, err := s.futureQuotes(ctx, symbol, now)
	if err != nil {
		writeError(w, "failed to load future listings", http.StatusInternalServerError)
		return
	}

	detail := SecurityDetail{
		Security: *sec,
		Delta10m: s.priceDelta(ctx, sec, now),
		Candles:  candle.Build(points, candle.DefaultBucket, candle.MaxCandles),
		Options:  options,
		Futures:  futures,
	}
	if detail.Candles == nil {
		detail.Candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// PriceHistoryHandler handles GET /api/v1/securities/{symbol}/history
// Optional ?minutes=N bounds the window; default is the candle window.
func (s *Service) PriceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := chi.URLParam(r, "symbol")

	if _, err := s.store.GetSecurity(ctx, symbol); err != nil {
		writeError(w, "security not found", http.StatusNotFound)
		return
	}

	window := candleWindow
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeError(w, "minutes must be a positive integer", http.StatusBadRequest)
			return
		}
		window = time.Duration(minutes) * time.Minute
	}

	points, err := s.store.ListPriceHistory(ctx, symbol, time.Now().UTC().Add(-window), 0)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// ListOptionsHandler handles GET /api/v1/securities/{symbol}/options
func (s *Service) ListOptionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := chi.URLParam(r, "symbol")

	if _, err := s.store.GetSecurity(ctx, symbol); err != nil {
		writeError(w, "security not found", http.StatusNotFound)
		return
	}
	quotes, err := s.optionQuotes(ctx, symbol, time.Now().UTC())
	if err != nil {
		writeError(w, "failed to load option listings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// ListFuturesHandler handles GET /api/v1/securities/{symbol}/futures
func (s *Service) ListFuturesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := chi.URLParam(r, "symbol")

	if _, err := s.store.GetSecurity(ctx, symbol); err != nil {
		writeError(w, "security not found", http.StatusNotFound)
		return
	}
	quotes, err := s.futureQuotes(ctx, symbol, time.Now().UTC())
	if err != nil {
		writeError(w, "failed to load future listings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// QuoteOptionHandler handles GET /api/v1/options/{ticker}/quote
// Looks up the listing by its canonical ticker and returns a live premium.
func (s *Service) QuoteOptionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parsed, err := contract.ParseOption(chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	listing, err := s.store.FindOptionListing(ctx, parsed.Symbol, parsed.Kind, parsed.Strike, parsed.Expiration)
	if err != nil {
		writeError(w, "option listing not found", http.StatusNotFound)
		return
	}
	premium, err := s.market.PriceOption(ctx, listing)
	if err != nil {
		writeError(w, "failed to price option", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, OptionQuote{
		OptionListing: *listing,
		Ticker:        contract.OptionTicker(listing),
		Premium:       premium,
	})
}

// --- User handlers ---

// CreateUserHandler handles POST /api/v1/users
func (s *Service) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Balance:   req.Balance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	slog.Info("user created", "id", user.ID, "name", user.Name, "balance", user.Balance.String())
	writeJSON(w, http.StatusCreated, user)
}

// GetUserHandler handles GET /api/v1/users/{userID}
func (s *Service) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetPortfolioHandler handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolioHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	securityHoldings, err := s.store.ListSecurityHoldings(ctx, userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}
	positions := make([]SecurityPositionView, 0, len(securityHoldings))
	for _, h := range securityHoldings {
		view := SecurityPositionView{SecurityHolding: h}
		if sec, err := s.store.GetSecurity(ctx, h.Symbol); err == nil {
			view.LastPrice = sec.LastPrice
			view.MarketValue = h.Quantity.Mul(sec.LastPrice)
		}
		positions = append(positions, view)
	}

	optionHoldings, err := s.store.ListOptionHoldings(ctx, userID)
	if err != nil {
		writeError(w, "failed to load option holdings", http.StatusInternalServerError)
		return
	}
	if optionHoldings == nil {
		optionHoldings = []model.OptionHolding{}
	}
	futureHoldings, err := s.store.ListFutureHoldings(ctx, userID)
	if err != nil {
		writeError(w, "failed to load future holdings", http.StatusInternalServerError)
		return
	}
	if futureHoldings == nil {
		futureHoldings = []model.FutureHolding{}
	}

	writeJSON(w, http.StatusOK, Portfolio{
		UserID:           userID,
		Balance:          user.Balance,
		SecurityHoldings: positions,
		OptionHoldings:   optionHoldings,
		FutureHoldings:   futureHoldings,
	})
}

// GetLedgerHandler handles GET /api/v1/ledger/{userID}
func (s *Service) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.ListLedgerEntries(ctx, userID, limit)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Trade handlers ---

// EquityTradeHandler handles POST /api/v1/trade/equity
func (s *Service) EquityTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req EquityTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		writeError(w, "user_id and symbol are required", http.StatusBadRequest)
		return
	}

	result, err := s.ExecuteEquityTrade(r.Context(), req.UserID, req.Symbol, req.Quantity)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	slog.Info("equity trade executed",
		"user", req.UserID,
		"symbol", req.Symbol,
		"qty", req.Quantity.String(),
		"price", result.Price.String(),
	)
	writeJSON(w, http.StatusOK, result)
}

// OptionTradeHandler handles POST /api/v1/trade/options
func (s *Service) OptionTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req ContractTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ListingID == "" {
		writeError(w, "user_id and listing_id are required", http.StatusBadRequest)
		return
	}

	result, err := s.ExecuteOptionTrade(r.Context(), req.UserID, req.ListingID, req.Quantity)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	slog.Info("option trade executed",
		"user", req.UserID,
		"listing", req.ListingID,
		"qty", req.Quantity,
		"premium", result.Price.String(),
	)
	writeJSON(w, http.StatusOK, result)
}

// FutureTradeHandler handles POST /api/v1/trade/futures
func (s *Service) FutureTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req ContractTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ListingID == "" {
		writeError(w, "user_id and listing_id are required", http.StatusBadRequest)
		return
	}

	result, err := s.ExecuteFutureTrade(r.Context(), req.UserID, req.ListingID, req.Quantity)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	slog.Info("future trade executed",
		"user", req.UserID,
		"listing", req.ListingID,
		"qty", req.Quantity,
		"forward", result.Price.String(),
	)
	writeJSON(w, http.StatusOK, result)
}

// --- Admin handlers ---

// AdminStepHandler handles POST /api/v1/admin/step
// Forces one simulation tick immediately.
func (s *Service) AdminStepHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.market.Step(r.Context()); err != nil {
		writeError(w, "simulation step failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stepped"})
}

// AdminReloadHandler handles POST /api/v1/admin/reload
// Re-reads the configuration file and swaps in the new parameter set.
func (s *Service) AdminReloadHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.market.ReloadConfig(s.configPath); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// --- Helpers ---

// priceDelta computes the change versus deltaWindow ago. When the history
// does not reach that far back, the earliest row inside the window anchors
// the comparison; with no history at all the delta is zero.
func (s *Service) priceDelta(ctx context.Context, sec *model.Security, now time.Time) decimal.Decimal {
	target := now.Add(-deltaWindow)
	base, err := s.store.PriceAtOrBefore(ctx, sec.Symbol, target)
	if err != nil {
		points, err := s.store.ListPriceHistory(ctx, sec.Symbol, target, 1)
		if err != nil || len(points) == 0 {
			return decimal.Zero
		}
		base = &points[0]
	}
	return sec.LastPrice.Sub(base.Price)
}

func (s *Service) optionQuotes(ctx context.Context, symbol string, now time.Time) ([]OptionQuote, error) {
	listings, err := s.store.ListActiveOptionListings(ctx, symbol, now)
	if err != nil {
		return nil, err
	}
	quotes := make([]OptionQuote, 0, len(listings))
	for i := range listings {
		premium, err := s.market.PriceOption(ctx, &listings[i])
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, OptionQuote{
			OptionListing: listings[i],
			Ticker:        contract.OptionTicker(&listings[i]),
			Premium:       premium,
		})
	}
	return quotes, nil
}

func (s *Service) futureQuotes(ctx context.Context, symbol string, now time.Time) ([]FutureQuote, error) {
	listings, err := s.store.ListActiveFutureListings(ctx, symbol, now)
	if err != nil {
		return nil, err
	}
	quotes := make([]FutureQuote, 0, len(listings))
	for i := range listings {
		forward, err := s.market.PriceFuture(ctx, &listings[i])
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, FutureQuote{
			FutureListing: listings[i],
			Ticker:        contract.FutureTicker(&listings[i]),
			Forward:       forward,
		})
	}
	return quotes, nil
}

// writeTradeError maps trade execution errors onto HTTP statuses.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrZeroQuantity):
		writeError(w, "quantity must be non-zero", http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientBalance):
		writeError(w, "insufficient balance to buy", http.StatusConflict)
	case errors.Is(err, ErrInsufficientShares):
		writeError(w, "not enough shares to sell", http.StatusConflict)
	case errors.Is(err, ErrInsufficientContracts):
		writeError(w, "not enough contracts to sell", http.StatusConflict)
	case errors.Is(err, ErrInsufficientMargin):
		writeError(w, "insufficient balance for margin", http.StatusConflict)
	case errors.Is(err, risk.ErrPositionLimitExceeded), errors.Is(err, risk.ErrGrossExposureExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, "insufficient balance", http.StatusConflict)
	default:
		writeError(w, "trade execution failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
