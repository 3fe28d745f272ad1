package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/arcadex/market-engine/internal/config"
	"github.com/arcadex/market-engine/internal/contract"
	"github.com/arcadex/market-engine/internal/model"
	"github.com/arcadex/market-engine/internal/risk"
	"github.com/arcadex/market-engine/internal/sim"
	"github.com/arcadex/market-engine/internal/store"
	"github.com/arcadex/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a Service to an in-memory store and a seeded simulator.
// ACME starts at exactly 100 with impact 0.01 and liquidity 1, so trade
// price feedback is fully predictable.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, *sim.Simulator, chi.Router) {
	t.Helper()

	cfg := &config.Config{
		Market: config.MarketConfig{UpdateIntervalSeconds: 5, Seed: 1},
		Risk:   config.RiskConfig{RiskFreeRate: 0.01},
		Securities: map[string]config.SecurityConfig{
			"ACME": {
				Symbol:                   "ACME",
				Name:                     "Acme Holdings",
				InitialPrice:             100,
				Volatility:               0.2,
				FundamentalValue:         100,
				Liquidity:                1,
				Impact:                   0.01,
				OptionsTenors:            []int{7},
				OptionsStrikeMultipliers: []float64{1.0},
				FuturesTenors:            []int{30},
			},
		},
	}

	ms := store.NewMemoryStore()
	simulator := sim.New(ms, cfg)
	if err := simulator.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	limiter := risk.NewPositionLimiter(decimal.Zero, decimal.Zero)
	svc := trade.NewService(ms, simulator, limiter, "", nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})
	return svc, ms, simulator, r
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	user := &model.User{ID: id, Name: id, Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func balanceOf(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	user, err := ms.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	return user.Balance
}

// --- Equity trades ---

func TestEquityTrade_Buy(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	result, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != "buy" {
		t.Errorf("expected buy action, got %s", result.Action)
	}
	if !result.Price.Equal(d(100)) {
		t.Errorf("expected fill at 100, got %s", result.Price)
	}
	if !result.CashDelta.Equal(d(-1000)) {
		t.Errorf("expected cash delta -1000, got %s", result.CashDelta)
	}
	if got := balanceOf(t, ms, "user1"); !got.Equal(d(9000)) {
		t.Errorf("expected balance 9000, got %s", got)
	}

	holding, _ := ms.GetSecurityHolding(ctx, "user1", "ACME")
	if holding == nil || !holding.Quantity.Equal(d(10)) {
		t.Fatalf("expected holding of 10, got %+v", holding)
	}
	if !holding.AveragePrice.Equal(d(100)) {
		t.Errorf("expected average price 100, got %s", holding.AveragePrice)
	}

	// 10 shares against liquidity 1, impact 0.01: factor 1.1.
	sec, _ := ms.GetSecurity(ctx, "ACME")
	if !sec.LastPrice.Equal(d(110)) {
		t.Errorf("buy pressure should lift price to 110, got %s", sec.LastPrice)
	}
}

func TestEquityTrade_AveragePriceIsVWAP(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	// Price is now 110 after impact; second lot fills there.
	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10)); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	holding, _ := ms.GetSecurityHolding(ctx, "user1", "ACME")
	if !holding.Quantity.Equal(d(20)) {
		t.Fatalf("expected 20 shares, got %s", holding.Quantity)
	}
	// (10·100 + 10·110) / 20 = 105
	if !holding.AveragePrice.Equal(d(105)) {
		t.Errorf("expected VWAP 105, got %s", holding.AveragePrice)
	}
}

func TestEquityTrade_SellToFlatZeroesHolding(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	result, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(-10))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if result.Action != "sell" {
		t.Errorf("expected sell action, got %s", result.Action)
	}
	if !result.CashDelta.IsPositive() {
		t.Errorf("sell should credit cash, got %s", result.CashDelta)
	}

	// The row survives at quantity zero with a reset average.
	holding, _ := ms.GetSecurityHolding(ctx, "user1", "ACME")
	if holding == nil {
		t.Fatal("holding row should persist after closing")
	}
	if !holding.Quantity.IsZero() || !holding.AveragePrice.IsZero() {
		t.Errorf("expected zeroed holding, got qty=%s avg=%s", holding.Quantity, holding.AveragePrice)
	}
}

func TestEquityTrade_SellMoreThanHeld(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(5)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	_, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(-6))
	if !errors.Is(err, trade.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestEquityTrade_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 50)
	ctx := context.Background()

	_, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10))
	if !errors.Is(err, trade.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if got := balanceOf(t, ms, "user1"); !got.Equal(d(50)) {
		t.Errorf("balance must be untouched, got %s", got)
	}
	if holding, _ := ms.GetSecurityHolding(ctx, "user1", "ACME"); holding != nil {
		t.Errorf("no holding should be created, got %+v", holding)
	}
	sec, _ := ms.GetSecurity(ctx, "ACME")
	if !sec.LastPrice.Equal(d(100)) {
		t.Errorf("rejected trade must not move the price, got %s", sec.LastPrice)
	}
}

func TestEquityTrade_ZeroQuantity(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)

	_, err := svc.ExecuteEquityTrade(context.Background(), "user1", "ACME", decimal.Zero)
	if !errors.Is(err, trade.ErrZeroQuantity) {
		t.Errorf("expected ErrZeroQuantity, got %v", err)
	}
}

func TestEquityTrade_FractionalShares(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(2.5)); err != nil {
		t.Fatalf("fractional buy: %v", err)
	}
	holding, _ := ms.GetSecurityHolding(ctx, "user1", "ACME")
	if !holding.Quantity.Equal(d(2.5)) {
		t.Errorf("expected 2.5 shares, got %s", holding.Quantity)
	}
	if got := balanceOf(t, ms, "user1"); !got.Equal(d(9750)) {
		t.Errorf("expected balance 9750, got %s", got)
	}
}

// --- Option trades ---

func optionListing(t *testing.T, ms *store.MemoryStore, kind model.OptionKind) *model.OptionListing {
	t.Helper()
	listings, err := ms.ListActiveOptionListings(context.Background(), "ACME", time.Now().UTC())
	if err != nil || len(listings) == 0 {
		t.Fatalf("no option listings seeded: %v", err)
	}
	for i := range listings {
		if listings[i].Kind == kind {
			return &listings[i]
		}
	}
	t.Fatalf("no %s listing found", kind)
	return nil
}

func TestOptionTrade_BuyAndSell(t *testing.T) {
	svc, ms, simulator, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := optionListing(t, ms, model.Call)

	premium, err := simulator.PriceOption(ctx, listing)
	if err != nil {
		t.Fatalf("PriceOption: %v", err)
	}
	if !premium.IsPositive() {
		t.Fatalf("expected positive premium, got %s", premium)
	}

	result, err := svc.ExecuteOptionTrade(ctx, "user1", listing.ID, 2)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !result.Price.Equal(premium) {
		t.Errorf("expected fill at quoted premium %s, got %s", premium, result.Price)
	}
	expectedBalance := d(10000).Sub(premium.Mul(d(2)))
	if got := balanceOf(t, ms, "user1"); !got.Equal(expectedBalance) {
		t.Errorf("expected balance %s, got %s", expectedBalance, got)
	}

	holding, _ := ms.GetOptionHolding(ctx, "user1", listing.ID)
	if holding == nil || holding.Quantity != 2 {
		t.Fatalf("expected 2 contracts, got %+v", holding)
	}
	if !holding.AveragePremium.Equal(premium) {
		t.Errorf("expected average premium %s, got %s", premium, holding.AveragePremium)
	}

	// Sell both back; holding zeroes out but the row stays.
	if _, err := svc.ExecuteOptionTrade(ctx, "user1", listing.ID, -2); err != nil {
		t.Fatalf("sell: %v", err)
	}
	holding, _ = ms.GetOptionHolding(ctx, "user1", listing.ID)
	if holding == nil || holding.Quantity != 0 {
		t.Fatalf("expected zeroed holding, got %+v", holding)
	}
	if !holding.AveragePremium.IsZero() {
		t.Errorf("average premium should reset, got %s", holding.AveragePremium)
	}
}

func TestOptionTrade_CallBuyLiftsUnderlying(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := optionListing(t, ms, model.Call)

	if _, err := svc.ExecuteOptionTrade(ctx, "user1", listing.ID, 10); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sec, _ := ms.GetSecurity(ctx, "ACME")
	if !sec.LastPrice.GreaterThan(d(100)) {
		t.Errorf("call buying should lift the underlying, got %s", sec.LastPrice)
	}
}

func TestOptionTrade_PutBuyPressesUnderlying(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := optionListing(t, ms, model.Put)

	if _, err := svc.ExecuteOptionTrade(ctx, "user1", listing.ID, 10); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sec, _ := ms.GetSecurity(ctx, "ACME")
	if !sec.LastPrice.LessThan(d(100)) {
		t.Errorf("put buying should press the underlying, got %s", sec.LastPrice)
	}
}

func TestOptionTrade_SellWithoutHolding(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	listing := optionListing(t, ms, model.Call)

	_, err := svc.ExecuteOptionTrade(context.Background(), "user1", listing.ID, -1)
	if !errors.Is(err, trade.ErrInsufficientContracts) {
		t.Errorf("expected ErrInsufficientContracts, got %v", err)
	}
}

// --- Future trades ---

func futureListing(t *testing.T, ms *store.MemoryStore) *model.FutureListing {
	t.Helper()
	listings, err := ms.ListActiveFutureListings(context.Background(), "ACME", time.Now().UTC())
	if err != nil || len(listings) == 0 {
		t.Fatalf("no future listings seeded: %v", err)
	}
	return &listings[0]
}

func TestFutureTrade_MarginLifecycle(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := futureListing(t, ms)

	// Open long 10: margin posted, cash down.
	result, err := svc.ExecuteFutureTrade(ctx, "user1", listing.ID, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if result.Action != "long" {
		t.Errorf("expected long, got %s", result.Action)
	}
	if !result.CashDelta.IsNegative() {
		t.Errorf("growing exposure should post margin, got %s", result.CashDelta)
	}
	afterOpen := balanceOf(t, ms, "user1")
	if !afterOpen.LessThan(d(10000)) {
		t.Errorf("balance should drop after posting margin, got %s", afterOpen)
	}

	holding, _ := ms.GetFutureHolding(ctx, "user1", listing.ID)
	if holding == nil || holding.Quantity != 10 {
		t.Fatalf("expected position 10, got %+v", holding)
	}
	if !holding.EntryPrice.Equal(result.Price) {
		t.Errorf("entry price should equal fill forward %s, got %s", result.Price, holding.EntryPrice)
	}

	// Reduce to 5: margin released, cash back.
	result, err = svc.ExecuteFutureTrade(ctx, "user1", listing.ID, -5)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if result.Action != "long" {
		t.Errorf("still long 5, got %s", result.Action)
	}
	if !result.CashDelta.IsPositive() {
		t.Errorf("shrinking exposure should release margin, got %s", result.CashDelta)
	}
	if got := balanceOf(t, ms, "user1"); !got.GreaterThan(afterOpen) {
		t.Errorf("balance should recover released margin, got %s", got)
	}

	// Flatten: quantity zero, entry price reset.
	result, err = svc.ExecuteFutureTrade(ctx, "user1", listing.ID, -5)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if result.Action != "flat" {
		t.Errorf("expected flat, got %s", result.Action)
	}
	holding, _ = ms.GetFutureHolding(ctx, "user1", listing.ID)
	if holding.Quantity != 0 || !holding.EntryPrice.IsZero() {
		t.Errorf("expected flat holding, got %+v", holding)
	}
}

func TestFutureTrade_CrossZeroReversal(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := futureListing(t, ms)

	if _, err := svc.ExecuteFutureTrade(ctx, "user1", listing.ID, 10); err != nil {
		t.Fatalf("open: %v", err)
	}
	before := balanceOf(t, ms, "user1")

	// One trade from +10 through zero to -5.
	result, err := svc.ExecuteFutureTrade(ctx, "user1", listing.ID, -15)
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if result.Action != "short" {
		t.Errorf("expected short, got %s", result.Action)
	}

	// Margin moves on the absolute exposure delta: |-5| - |10| = -5
	// contracts released at the current forward.
	expectedRefund := result.Price.Mul(d(0.1)).Mul(d(5))
	if !result.CashDelta.Equal(expectedRefund) {
		t.Errorf("expected margin refund %s, got %s", expectedRefund, result.CashDelta)
	}
	if got := balanceOf(t, ms, "user1"); !got.Equal(before.Add(expectedRefund)) {
		t.Errorf("expected balance %s, got %s", before.Add(expectedRefund), got)
	}

	holding, _ := ms.GetFutureHolding(ctx, "user1", listing.ID)
	if holding.Quantity != -5 {
		t.Errorf("expected -5 contracts, got %d", holding.Quantity)
	}
	if !holding.EntryPrice.Equal(result.Price) {
		t.Errorf("entry should reset to the reversal forward %s, got %s", result.Price, holding.EntryPrice)
	}
}

func TestFutureTrade_ShortPosition(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()
	listing := futureListing(t, ms)

	result, err := svc.ExecuteFutureTrade(ctx, "user1", listing.ID, -3)
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	if result.Action != "short" {
		t.Errorf("expected short, got %s", result.Action)
	}
	if !result.CashDelta.IsNegative() {
		t.Errorf("shorts post margin too, got %s", result.CashDelta)
	}
	holding, _ := ms.GetFutureHolding(ctx, "user1", listing.ID)
	if holding.Quantity != -3 {
		t.Errorf("expected -3 contracts, got %d", holding.Quantity)
	}
}

func TestFutureTrade_InsufficientMargin(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 1)
	listing := futureListing(t, ms)

	_, err := svc.ExecuteFutureTrade(context.Background(), "user1", listing.ID, 10)
	if !errors.Is(err, trade.ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
	if got := balanceOf(t, ms, "user1"); !got.Equal(d(1)) {
		t.Errorf("balance must be untouched, got %s", got)
	}
}

// --- Ledger ---

func TestLedger_RecordsTrades(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(-4)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	entries, err := ms.ListLedgerEntries(ctx, "user1", 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d (err %v)", len(entries), err)
	}
	// Newest first.
	if entries[0].Action != "sell" || entries[1].Action != "buy" {
		t.Errorf("expected sell then buy, got %s then %s", entries[0].Action, entries[1].Action)
	}
	if !entries[0].Quantity.Equal(d(-4)) {
		t.Errorf("sell quantity should be signed, got %s", entries[0].Quantity)
	}
	if entries[1].Instrument != model.InstrumentEquity {
		t.Errorf("expected equity instrument, got %s", entries[1].Instrument)
	}
}

// --- HTTP handlers ---

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_EquityTrade(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	seedUser(t, ms, "user1", 10000)

	w := doJSON(t, router, "POST", "/api/v1/trade/equity", trade.EquityTradeRequest{
		UserID:   "user1",
		Symbol:   "ACME",
		Quantity: d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result model.TradeResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Action != "buy" || !result.Quantity.Equal(d(10)) {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHTTP_EquityTrade_Errors(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	seedUser(t, ms, "poor", 1)

	cases := []struct {
		name string
		req  trade.EquityTradeRequest
		code int
	}{
		{"zero quantity", trade.EquityTradeRequest{UserID: "poor", Symbol: "ACME"}, http.StatusBadRequest},
		{"missing user field", trade.EquityTradeRequest{Symbol: "ACME", Quantity: d(1)}, http.StatusBadRequest},
		{"unknown user", trade.EquityTradeRequest{UserID: "ghost", Symbol: "ACME", Quantity: d(1)}, http.StatusNotFound},
		{"unknown symbol", trade.EquityTradeRequest{UserID: "poor", Symbol: "NOPE", Quantity: d(1)}, http.StatusNotFound},
		{"insufficient balance", trade.EquityTradeRequest{UserID: "poor", Symbol: "ACME", Quantity: d(100)}, http.StatusConflict},
	}
	for _, tc := range cases {
		w := doJSON(t, router, "POST", "/api/v1/trade/equity", tc.req)
		if w.Code != tc.code {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.code, w.Code, w.Body.String())
		}
	}
}

func TestHTTP_ListSecurities(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/securities", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var summaries []trade.SecuritySummary
	json.Unmarshal(w.Body.Bytes(), &summaries)
	if len(summaries) != 1 || summaries[0].Symbol != "ACME" {
		t.Fatalf("unexpected securities payload: %s", w.Body.String())
	}
}

func TestHTTP_SecurityDetail(t *testing.T) {
	_, _, simulator, router := newTestEnv(t)
	if err := simulator.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}

	w := doJSON(t, router, "GET", "/api/v1/securities/ACME", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var detail trade.SecurityDetail
	json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Symbol != "ACME" {
		t.Errorf("unexpected detail: %s", w.Body.String())
	}
	if len(detail.Candles) == 0 {
		t.Error("expected at least one candle")
	}
	if len(detail.Options) != 2 { // 1 tenor x 1 multiplier x call/put
		t.Errorf("expected 2 option quotes, got %d", len(detail.Options))
	}
	if len(detail.Futures) != 1 {
		t.Errorf("expected 1 future quote, got %d", len(detail.Futures))
	}
	for _, q := range detail.Options {
		if q.Ticker == "" {
			t.Error("option quote missing ticker")
		}
	}

	w = doJSON(t, router, "GET", "/api/v1/securities/NOPE", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown symbol, got %d", w.Code)
	}
}

func TestHTTP_OptionQuoteByTicker(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	listing := optionListing(t, ms, model.Call)
	ticker := contract.OptionTicker(listing)

	w := doJSON(t, router, "GET", "/api/v1/options/"+ticker+"/quote", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote trade.OptionQuote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if quote.ID != listing.ID {
		t.Errorf("expected listing %s, got %s", listing.ID, quote.ID)
	}
	if !quote.Premium.IsPositive() {
		t.Errorf("expected positive premium, got %s", quote.Premium)
	}

	w = doJSON(t, router, "GET", "/api/v1/options/not-a-ticker/quote", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed ticker, got %d", w.Code)
	}
}

func TestHTTP_CreateUserAndPortfolio(t *testing.T) {
	svc, _, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{
		Name:    "alice",
		Balance: d(5000),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if user.ID == "" || !user.Balance.Equal(d(5000)) {
		t.Fatalf("unexpected user payload: %s", w.Body.String())
	}

	if _, err := svc.ExecuteEquityTrade(context.Background(), user.ID, "ACME", d(5)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	w = doJSON(t, router, "GET", "/api/v1/portfolio/"+user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var portfolio trade.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if !portfolio.Balance.Equal(d(4500)) {
		t.Errorf("expected balance 4500, got %s", portfolio.Balance)
	}
	if len(portfolio.SecurityHoldings) != 1 {
		t.Fatalf("expected one holding, got %d", len(portfolio.SecurityHoldings))
	}
	if !portfolio.SecurityHoldings[0].MarketValue.IsPositive() {
		t.Error("holding should carry a market value")
	}
}

func TestHTTP_CreateUser_Validation(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Balance: d(100)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}
	w = doJSON(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Name: "bob", Balance: d(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative balance, got %d", w.Code)
	}
}

func TestHTTP_AdminStep(t *testing.T) {
	_, ms, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/step", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	history, _ := ms.ListPriceHistory(context.Background(), "ACME", time.Time{}, 0)
	if len(history) != 2 { // seed row + forced tick
		t.Errorf("expected forced tick to append history, got %d rows", len(history))
	}
}

// --- Position limits ---

func TestEquityTrade_PositionLimit(t *testing.T) {
	cfg := &config.Config{
		Market: config.MarketConfig{UpdateIntervalSeconds: 5, Seed: 1},
		Risk:   config.RiskConfig{RiskFreeRate: 0.01},
		Securities: map[string]config.SecurityConfig{
			"ACME": {
				Symbol:                   "ACME",
				InitialPrice:             10,
				Volatility:               0.2,
				FundamentalValue:         10,
				Liquidity:                100,
				Impact:                   0.001,
				OptionsTenors:            []int{7},
				OptionsStrikeMultipliers: []float64{1.0},
				FuturesTenors:            []int{30},
			},
		},
	}
	ms := store.NewMemoryStore()
	simulator := sim.New(ms, cfg)
	if err := simulator.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	limiter := risk.NewPositionLimiter(d(10), decimal.Zero)
	svc := trade.NewService(ms, simulator, limiter, "", nil)
	seedUser(t, ms, "user1", 10000)
	ctx := context.Background()

	if _, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(10)); err != nil {
		t.Fatalf("trade at the limit should pass: %v", err)
	}
	_, err := svc.ExecuteEquityTrade(ctx, "user1", "ACME", d(1))
	if !errors.Is(err, risk.ErrPositionLimitExceeded) {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}
