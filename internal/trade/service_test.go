package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/auth"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/respond"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/trade"
	"github.com/pitchside/market-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) NotifyAccounts(accountIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, accountIDs...)
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

// newTestEnv creates a test Service over a seeded ledger and a chi router
// with the account routes mounted.
func newTestEnv(t *testing.T) (*store.Ledger, *recordingNotifier, chi.Router) {
	t.Helper()
	l := seedLedger(t, 10000, 550)
	n := &recordingNotifier{}
	svc := trade.NewService(l, n, trade.Config{
		StartingBalance: d(10000),
		ReferralBonus:   d(500),
	})

	r := chi.NewRouter()
	r.Use(auth.Middleware(auth.HeaderProvider{}))
	r.Post("/api/accounts", svc.Register)
	r.Group(func(r chi.Router) {
		r.Use(auth.Require)
		r.Get("/api/accounts/me", svc.GetAccount)
		r.Post("/api/trade", svc.ExecuteTrade)
		r.Get("/api/portfolio", svc.GetPortfolio)
		r.Get("/api/holdings", svc.GetHoldings)
		r.Get("/api/transactions", svc.GetTransactions)
	})
	return l, n, r
}

func do(t *testing.T, router chi.Router, method, path, accountID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		req.Header.Set(auth.DefaultHeader, accountID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, accountID string, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/trade", accountID, req)
}

// --- Trade execution tests ---

func TestExecuteTrade_Buy(t *testing.T) {
	_, n, router := newTestEnv(t)

	w := doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "buy", Quantity: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.Result
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Transaction.ID == "" {
		t.Error("expected non-empty transaction id")
	}
	if resp.Transaction.Side != model.SideBuy {
		t.Errorf("side should be normalized to BUY, got %s", resp.Transaction.Side)
	}
	if !resp.Transaction.Price.Equal(d(550)) || !resp.Transaction.Total.Equal(d(5500)) {
		t.Errorf("expected 10 @ 550 = 5500, got %s / %s", resp.Transaction.Price, resp.Transaction.Total)
	}
	if !resp.Account.Balance.Equal(d(4500)) {
		t.Errorf("balance should be 4500, got %s", resp.Account.Balance)
	}
	if resp.Holding == nil || resp.Holding.Quantity != 10 {
		t.Errorf("holding should show 10 shares, got %+v", resp.Holding)
	}
	if got := n.notified(); len(got) != 1 || got[0] != "user1" {
		t.Errorf("expected user1 notified once, got %v", got)
	}
}

func TestExecuteTrade_Unauthenticated(t *testing.T) {
	_, _, router := newTestEnv(t)
	w := doTrade(t, router, "", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 1})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestExecuteTrade_Errors(t *testing.T) {
	tests := []struct {
		name    string
		account string
		req     trade.TradeRequest
		status  int
		code    string
	}{
		{"invalid side", "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "HOLD", Quantity: 1}, http.StatusBadRequest, "invalid_input"},
		{"zero quantity", "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY"}, http.StatusBadRequest, "invalid_quantity"},
		{"unknown instrument", "user1", trade.TradeRequest{InstrumentID: "nobody", Side: "BUY", Quantity: 1}, http.StatusNotFound, "unknown_instrument"},
		{"unknown account", "ghost", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 1}, http.StatusNotFound, "unknown_account"},
		{"insufficient balance", "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 100}, http.StatusConflict, "insufficient_balance"},
		{"insufficient holdings", "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "SELL", Quantity: 1}, http.StatusConflict, "insufficient_holdings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, router := newTestEnv(t)
			w := doTrade(t, router, tt.account, tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body respond.ErrorBody
			json.Unmarshal(w.Body.Bytes(), &body)
			if body.Error != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, body.Error)
			}
			if len(n.notified()) != 0 {
				t.Error("rejected trades must not notify")
			}
		})
	}
}

func TestExecuteTrade_MalformedBody(t *testing.T) {
	_, _, router := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/trade", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.DefaultHeader, "user1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestExecuteTrade_SellClosesPosition(t *testing.T) {
	_, _, router := newTestEnv(t)
	doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 4})

	w := doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "SELL", Quantity: 4})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var raw map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &raw)
	if _, ok := raw["holding"]; ok {
		t.Error("holding should be omitted after a full close")
	}
	var resp trade.Result
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Account.Balance.Equal(d(10000)) {
		t.Errorf("same-price round trip should restore balance 10000, got %s", resp.Account.Balance)
	}

	w = do(t, router, http.MethodGet, "/api/holdings", "user1", nil)
	var holdings []model.HoldingView
	json.Unmarshal(w.Body.Bytes(), &holdings)
	if len(holdings) != 0 {
		t.Errorf("expected no holdings, got %d", len(holdings))
	}
}

func TestExecuteTrade_FractionalQuantity(t *testing.T) {
	_, n, router := newTestEnv(t)
	for _, qty := range []string{"1.5", "1e3", "99999999999999999999"} {
		req := httptest.NewRequest(http.MethodPost, "/api/trade",
			bytes.NewBufferString(`{"instrument_id":"kohli","side":"BUY","quantity":`+qty+`}`))
		req.Header.Set(auth.DefaultHeader, "user1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("quantity %s: expected 400, got %d: %s", qty, w.Code, w.Body.String())
		}
		var body respond.ErrorBody
		json.Unmarshal(w.Body.Bytes(), &body)
		if body.Error != "invalid_quantity" {
			t.Errorf("quantity %s: expected code invalid_quantity, got %s", qty, body.Error)
		}
	}
	if len(n.notified()) != 0 {
		t.Error("rejected trades must not notify")
	}
}

// Balance 10000, BUY 5 @ 550, price moves to 600, SELL 5.
func TestExecuteTrade_RepricedRoundTrip(t *testing.T) {
	l, _, router := newTestEnv(t)

	w := doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.Result
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Account.Balance.Equal(d(7250)) {
		t.Errorf("balance after buy should be 7250, got %s", resp.Account.Balance)
	}

	if _, err := valuation.NewPropagator(l).OnPriceChanged("kohli", d(600)); err != nil {
		t.Fatalf("reprice: %v", err)
	}
	h, err := l.GetHolding("user1", "kohli")
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	if !h.CurrentValue.Equal(d(3000)) || !h.ProfitLoss.Equal(d(250)) {
		t.Errorf("expected value 3000 and P/L 250, got %s / %s", h.CurrentValue, h.ProfitLoss)
	}
	acct, _ := l.GetAccount("user1")
	if !acct.PortfolioValue.Equal(d(3000)) {
		t.Errorf("portfolio value should be 3000, got %s", acct.PortfolioValue)
	}

	w = doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "SELL", Quantity: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp = trade.Result{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Account.Balance.Equal(d(10250)) {
		t.Errorf("balance after sell should be 10250, got %s", resp.Account.Balance)
	}
	if resp.Holding != nil {
		t.Errorf("position should be closed, got %+v", resp.Holding)
	}
}

// --- Account tests ---

func TestRegister(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{Username: "bob", FullName: "Bob B"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.ID == "" || acct.ReferralCode == "" {
		t.Errorf("expected id and referral code, got %+v", acct)
	}
	if !acct.Balance.Equal(d(10000)) {
		t.Errorf("starting balance should be 10000, got %s", acct.Balance)
	}

	w = do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{Username: "Bob"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate username: expected 409, got %d", w.Code)
	}
	w = do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{Username: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank username: expected 400, got %d", w.Code)
	}
}

func TestRegister_ReferralBonus(t *testing.T) {
	l, n, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{Username: "ref"})
	var referrer model.Account
	json.Unmarshal(w.Body.Bytes(), &referrer)

	w = do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{
		Username:     "newbie",
		ReferralCode: " " + referrer.ReferralCode + " ",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.Balance.Equal(d(10500)) {
		t.Errorf("referred account balance should be 10500, got %s", acct.Balance)
	}
	if acct.ReferredBy != referrer.ID {
		t.Errorf("referred_by = %q, want %q", acct.ReferredBy, referrer.ID)
	}

	ref, _ := l.GetAccount(referrer.ID)
	if !ref.Balance.Equal(d(10500)) {
		t.Errorf("referrer balance should be 10500, got %s", ref.Balance)
	}
	if got := n.notified(); len(got) != 1 || got[0] != referrer.ID {
		t.Errorf("expected referrer notified, got %v", got)
	}
}

func TestRegister_UnknownReferral(t *testing.T) {
	l, _, router := newTestEnv(t)
	v := l.Version()

	w := do(t, router, http.MethodPost, "/api/accounts", "", trade.RegisterRequest{Username: "carol", ReferralCode: "NOPE1234"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if l.Version() != v {
		t.Error("rejected registration must not create an account")
	}
}

func TestGetAccount(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/accounts/me", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.ID != "user1" {
		t.Errorf("expected user1, got %s", acct.ID)
	}

	w = do(t, router, http.MethodGet, "/api/accounts/me", "ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

// --- Portfolio tests ---

func TestGetPortfolio_WithPositions(t *testing.T) {
	l, _, router := newTestEnv(t)
	doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 10})

	// Price moves 550 -> 605: +10% on a 5500 investment.
	if _, err := valuation.NewPropagator(l).OnPriceChanged("kohli", d(605)); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, http.MethodGet, "/api/portfolio", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var s model.PortfolioSummary
	json.Unmarshal(w.Body.Bytes(), &s)
	if !s.Balance.Equal(d(4500)) {
		t.Errorf("balance = %s, want 4500", s.Balance)
	}
	if !s.PortfolioValue.Equal(d(6050)) {
		t.Errorf("portfolio value = %s, want 6050", s.PortfolioValue)
	}
	if !s.Growth.Equal(d(550)) || !s.GrowthPercentage.Equal(d(10)) {
		t.Errorf("growth = %s (%s%%), want 550 (10%%)", s.Growth, s.GrowthPercentage)
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/portfolio", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var s model.PortfolioSummary
	json.Unmarshal(w.Body.Bytes(), &s)
	if !s.PortfolioValue.IsZero() || !s.Growth.IsZero() || !s.GrowthPercentage.IsZero() {
		t.Errorf("empty portfolio should be all zero, got %+v", s)
	}
}

func TestGetHoldingsAndTransactions(t *testing.T) {
	_, _, router := newTestEnv(t)
	doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "BUY", Quantity: 3})
	doTrade(t, router, "user1", trade.TradeRequest{InstrumentID: "kohli", Side: "SELL", Quantity: 1})

	w := do(t, router, http.MethodGet, "/api/holdings", "user1", nil)
	var holdings []model.HoldingView
	json.Unmarshal(w.Body.Bytes(), &holdings)
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	if holdings[0].Quantity != 2 || holdings[0].Instrument.Name != "Virat Kohli" {
		t.Errorf("unexpected holding view: %+v", holdings[0])
	}

	w = do(t, router, http.MethodGet, "/api/transactions", "user1", nil)
	var txs []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Side != model.SideBuy || txs[1].Side != model.SideSell {
		t.Errorf("transactions out of order: %s, %s", txs[0].Side, txs[1].Side)
	}
}
