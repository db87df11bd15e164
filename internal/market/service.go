// Package market serves the public instrument and match catalog and the
// operator endpoints that change it.
package market

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/respond"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/valuation"
)

// Board is the match list the service reads and edits.
type Board interface {
	All() []model.Match
	Live() []model.Match
	Upcoming() []model.Match
	Get(id string) (model.Match, error)
	Create(m model.Match) (model.Match, error)
	Update(id string, patch model.Match) (model.Match, error)
}

// Notifier receives the accounts re-valued by an operator price change.
type Notifier interface {
	NotifyAccounts(accountIDs ...string)
}

// Service handles instrument and match requests.
type Service struct {
	ledger        *store.Ledger
	propagator    *valuation.Propagator
	board         Board
	notifier      Notifier // optional
	trendingLimit int
}

// NewService creates a market service.
func NewService(ledger *store.Ledger, board Board, notifier Notifier, trendingLimit int) *Service {
	if trendingLimit <= 0 {
		trendingLimit = 10
	}
	return &Service{
		ledger:        ledger,
		propagator:    valuation.NewPropagator(ledger),
		board:         board,
		notifier:      notifier,
		trendingLimit: trendingLimit,
	}
}

// InstrumentRequest is the JSON body for instrument create and update.
// On update, empty fields are left unchanged and a non-nil price is
// propagated to every holding.
type InstrumentRequest struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Team         string           `json:"team"`
	Role         string           `json:"role"`
	Stats        map[string]any   `json:"stats"`
	ImageURL     string           `json:"image_url"`
	TeamImageURL string           `json:"team_image_url"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
}

func (r InstrumentRequest) instrument() model.Instrument {
	in := model.Instrument{
		ID:           r.ID,
		Name:         r.Name,
		Team:         r.Team,
		Role:         r.Role,
		Stats:        r.Stats,
		ImageURL:     r.ImageURL,
		TeamImageURL: r.TeamImageURL,
	}
	if r.CurrentPrice != nil {
		in.CurrentPrice = *r.CurrentPrice
	}
	return in
}

// --- Instruments ---

// ListInstruments handles GET /api/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, s.ledger.Instruments())
}

// GetInstrument handles GET /api/instruments/{instrumentID}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	in, err := s.ledger.GetInstrument(chi.URLParam(r, "instrumentID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, in)
}

// Trending handles GET /api/instruments/trending
// Returns the biggest absolute movers, optionally limited by ?limit=N.
func (s *Service) Trending(w http.ResponseWriter, r *http.Request) {
	limit := s.trendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respond.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respond.JSON(w, http.StatusOK, s.ledger.Trending(limit))
}

// CreateInstrument handles POST /api/admin/instruments
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}

	var in model.Instrument
	var count int
	err := s.ledger.Update(func(tx *store.Tx) error {
		var err error
		in, err = tx.CreateInstrument(req.instrument())
		count = len(tx.Instruments())
		return err
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	metrics.Instruments.Set(float64(count))

	slog.Info("instrument created", "id", in.ID, "name", in.Name, "price", in.CurrentPrice.String())
	respond.JSON(w, http.StatusCreated, in)
}

// UpdateInstrument handles PUT /api/admin/instruments/{instrumentID}
func (s *Service) UpdateInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	id := chi.URLParam(r, "instrumentID")
	req.ID = id

	// Validate before touching anything: metadata and price are applied in
	// separate ledger transactions.
	if _, err := s.ledger.GetInstrument(id); err != nil {
		respond.Error(w, err)
		return
	}
	if req.CurrentPrice != nil && !req.CurrentPrice.IsPositive() {
		respond.Error(w, model.ErrInvalidPrice)
		return
	}

	err := s.ledger.Update(func(tx *store.Tx) error {
		_, err := tx.UpdateInstrumentDetails(req.instrument())
		return err
	})
	if err != nil {
		respond.Error(w, err)
		return
	}

	if req.CurrentPrice != nil {
		pc, err := s.propagator.OnPriceChanged(id, *req.CurrentPrice)
		if err != nil {
			respond.Error(w, err)
			return
		}
		if pc.Changed {
			slog.Info("instrument repriced",
				"id", id,
				"old", pc.OldPrice.String(),
				"new", pc.NewPrice.String(),
				"accounts", len(pc.Accounts),
			)
			if s.notifier != nil {
				s.notifier.NotifyAccounts(pc.Accounts...)
			}
		}
	}

	in, err := s.ledger.GetInstrument(id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, in)
}

// --- Matches ---

// ListMatches handles GET /api/matches
func (s *Service) ListMatches(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, s.board.All())
}

// LiveMatches handles GET /api/matches/live
func (s *Service) LiveMatches(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, nonNil(s.board.Live()))
}

// UpcomingMatches handles GET /api/matches/upcoming
func (s *Service) UpcomingMatches(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, s.board.Upcoming())
}

// GetMatch handles GET /api/matches/{matchID}
func (s *Service) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.board.Get(chi.URLParam(r, "matchID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, m)
}

// CreateMatch handles POST /api/admin/matches
func (s *Service) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var m model.Match
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	m, err := s.board.Create(m)
	if err != nil {
		respond.Error(w, err)
		return
	}
	slog.Info("match created", "id", m.ID, "team1", m.Team1, "team2", m.Team2, "status", m.Status)
	respond.JSON(w, http.StatusCreated, m)
}

// UpdateMatch handles PUT /api/admin/matches/{matchID}
func (s *Service) UpdateMatch(w http.ResponseWriter, r *http.Request) {
	var patch model.Match
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	m, err := s.board.Update(chi.URLParam(r, "matchID"), patch)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, m)
}

func nonNil(ms []model.Match) []model.Match {
	if ms == nil {
		return []model.Match{}
	}
	return ms
}
