// Package trade executes BUY/SELL orders against the ledger and serves the
// account-facing HTTP API: registration, trading and portfolio reads.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/auth"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/respond"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/valuation"
)

// Notifier is told which accounts changed so it can push fresh state to
// their live connections.
type Notifier interface {
	NotifyAccounts(accountIDs ...string)
}

// Config holds account-level business constants.
type Config struct {
	StartingBalance decimal.Decimal
	ReferralBonus   decimal.Decimal
}

// Service handles account, trade and portfolio requests. Trade execution is
// serialized by the ledger, not by the service.
type Service struct {
	ledger     *store.Ledger
	engine     *Engine
	propagator *valuation.Propagator
	notifier   Notifier // optional
	cfg        Config
}

// NewService creates a trade service. Pass nil for notifier if live
// connections are not needed.
func NewService(ledger *store.Ledger, notifier Notifier, cfg Config) *Service {
	return &Service{
		ledger:     ledger,
		engine:     NewEngine(ledger),
		propagator: valuation.NewPropagator(ledger),
		notifier:   notifier,
		cfg:        cfg,
	}
}

// Engine returns the engine used by the service.
func (s *Service) Engine() *Engine { return s.engine }

// --- Request types ---

// TradeRequest is the JSON body for POST /api/trade. The account comes
// from the authenticated request, never from the body.
type TradeRequest struct {
	InstrumentID string     `json:"instrument_id"`
	Side         model.Side `json:"side"` // "BUY" or "SELL"
	Quantity     int64      `json:"quantity"`
}

// RegisterRequest is the JSON body for POST /api/accounts.
type RegisterRequest struct {
	Username     string `json:"username"`
	FullName     string `json:"full_name"`
	ReferralCode string `json:"referral_code"` // optional, of the referring account
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountFromContext(r.Context())
	if !ok {
		respond.JSON(w, http.StatusUnauthorized, respond.ErrorBody{Error: "unauthorized", Message: "unauthorized"})
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// A fractional or out-of-range quantity is a bad quantity, not a bad body.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "quantity" {
			respond.Error(w, fmt.Errorf("quantity %s: %w", typeErr.Value, model.ErrInvalidQuantity))
			return
		}
		respond.BadRequest(w, "invalid request body")
		return
	}

	res, err := s.engine.ExecuteTrade(Order{
		AccountID:    accountID,
		InstrumentID: req.InstrumentID,
		Side:         model.Side(strings.ToUpper(string(req.Side))),
		Quantity:     req.Quantity,
	})
	if err != nil {
		respond.Error(w, err)
		return
	}

	slog.Info("trade executed",
		"trade_id", res.Transaction.ID,
		"account", accountID,
		"instrument", req.InstrumentID,
		"side", res.Transaction.Side,
		"qty", res.Transaction.Quantity,
		"price", res.Transaction.Price.String(),
		"total", res.Transaction.Total.String(),
		"version", res.Version,
	)

	if s.notifier != nil {
		s.notifier.NotifyAccounts(accountID)
	}
	respond.JSON(w, http.StatusOK, res)
}

// Register handles POST /api/accounts
// A valid referral code credits the bonus to both accounts.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}

	var acct model.Account
	var referrer string
	err := s.ledger.Update(func(tx *store.Tx) error {
		var ref model.Account
		if code := strings.TrimSpace(req.ReferralCode); code != "" {
			var err error
			if ref, err = tx.AccountByReferralCode(strings.ToUpper(code)); err != nil {
				return model.ErrInvalidReferral
			}
		}

		var err error
		acct, err = tx.CreateAccount(model.Account{
			Username:   strings.TrimSpace(req.Username),
			FullName:   req.FullName,
			Balance:    s.cfg.StartingBalance,
			ReferredBy: ref.ID,
		})
		if err != nil || ref.ID == "" {
			return err
		}

		referrer = ref.ID
		acct.Balance = acct.Balance.Add(s.cfg.ReferralBonus)
		ref.Balance = ref.Balance.Add(s.cfg.ReferralBonus)
		if err := tx.UpdateAccount(acct); err != nil {
			return err
		}
		return tx.UpdateAccount(ref)
	})
	if err != nil {
		respond.Error(w, err)
		return
	}

	slog.Info("account registered", "account", acct.ID, "username", acct.Username, "referred_by", referrer)
	if referrer != "" && s.notifier != nil {
		s.notifier.NotifyAccounts(referrer)
	}
	respond.JSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/accounts/me
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountFromContext(r.Context())
	acct, err := s.ledger.GetAccount(accountID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, acct)
}

// GetPortfolio handles GET /api/portfolio
// Returns balance, portfolio value and growth against net investment.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountFromContext(r.Context())
	summary, err := s.propagator.Summarize(accountID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, summary)
}

// GetHoldings handles GET /api/holdings
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountFromContext(r.Context())
	p, err := s.propagator.Portfolio(accountID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, p.Holdings)
}

// GetTransactions handles GET /api/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountFromContext(r.Context())
	txs, err := s.ledger.Transactions(accountID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txs)
}
