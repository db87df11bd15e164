// Package realtime distributes market and portfolio state to live
// WebSocket connections.
//
// Every account payload carries the ledger version it was read at. A
// connection queues account payloads in non-decreasing version order and
// drops any that arrive older than one it already queued, so a slow
// periodic read can never overwrite the state pushed after a trade.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/valuation"
)

// MatchSource supplies the live matches shown in market payloads.
type MatchSource interface {
	Live() []model.Match
}

// Option configures a Hub.
type Option func(*Hub)

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// WithTrendingLimit sets how many instruments market payloads carry.
func WithTrendingLimit(n int) Option {
	return func(h *Hub) { h.trendingLimit = n }
}

// Hub is the registry of live connections.
type Hub struct {
	ledger        *store.Ledger
	portfolios    *valuation.Propagator
	matches       MatchSource
	trendingLimit int
	upgrader      websocket.Upgrader

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Run must be started before connections are served.
func NewHub(ledger *store.Ledger, matches MatchSource, opts ...Option) *Hub {
	h := &Hub{
		ledger:        ledger,
		portfolios:    valuation.NewPropagator(ledger),
		matches:       matches,
		trendingLimit: 10,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns registration until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "client", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			delete(h.clients, c)
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				c.close()
				metrics.WebSocketClients.Set(float64(n))
				slog.Info("ws client disconnected", "client", c.id, "total", n)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := newClient(uuid.NewString(), h, conn)
	// Queued before registration so no broadcast can overtake it.
	if frame, err := encode(PublicSnapshot{MarketData: h.marketData()}); err == nil {
		c.enqueue(TypePublicSnapshot, frame)
	} else {
		slog.Error("ws public snapshot encode failed", "err", err)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
	c.close()
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) marketData() MarketData {
	live := h.matches.Live()
	if live == nil {
		live = []model.Match{}
	}
	return MarketData{
		Trending:    h.ledger.Trending(h.trendingLimit),
		LiveMatches: live,
	}
}

// authenticate moves c to the authenticated state with a full snapshot.
// An unknown account leaves the connection as it was.
func (h *Hub) authenticate(c *Client, accountID string) {
	p, err := h.portfolios.Portfolio(accountID)
	if err != nil {
		slog.Warn("ws auth rejected", "client", c.id, "account", accountID, "err", err)
		return
	}
	h.admit(c, accountID, p)
}

// admit queues the full snapshot p and binds c to accountID. Commits that
// landed after p was read were not pushed to c, so it gets a fresh
// portfolio right away.
func (h *Hub) admit(c *Client, accountID string, p valuation.Portfolio) {
	frame, err := encode(FullSnapshot{MarketData: h.marketData(), Portfolio: p})
	if err != nil {
		slog.Error("ws full snapshot encode failed", "account", accountID, "err", err)
		return
	}
	if !c.authenticate(accountID, p.Version, frame) {
		return
	}
	slog.Info("ws client authenticated", "client", c.id, "account", accountID, "version", p.Version)

	if h.ledger.Version() > p.Version {
		h.pushPortfolios([]*Client{c}, map[string]struct{}{accountID: {}})
	}
}

// BroadcastMarket queues a MARKET_UPDATE for every connection.
func (h *Hub) BroadcastMarket() {
	frame, err := encode(MarketUpdate{MarketData: h.marketData()})
	if err != nil {
		slog.Error("ws market update encode failed", "err", err)
		return
	}
	for _, c := range h.snapshot() {
		c.enqueue(TypeMarketUpdate, frame)
	}
}

// BroadcastPortfolios queues a PORTFOLIO_UPDATE for every authenticated
// connection.
func (h *Hub) BroadcastPortfolios() {
	h.pushPortfolios(h.snapshot(), nil)
}

// NotifyAccounts pushes fresh portfolios to the connections of the given
// accounts, out of the periodic cycle.
func (h *Hub) NotifyAccounts(accountIDs ...string) {
	if len(accountIDs) == 0 {
		return
	}
	want := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		want[id] = struct{}{}
	}
	h.pushPortfolios(h.snapshot(), want)
}

// pushPortfolios reads each account once and queues the frame on all of
// its connections. A nil filter means every authenticated account.
func (h *Hub) pushPortfolios(clients []*Client, filter map[string]struct{}) {
	byAccount := make(map[string][]*Client)
	for _, c := range clients {
		id, ok := c.AccountID()
		if !ok {
			continue
		}
		if filter != nil {
			if _, want := filter[id]; !want {
				continue
			}
		}
		byAccount[id] = append(byAccount[id], c)
	}

	for accountID, conns := range byAccount {
		p, err := h.portfolios.Portfolio(accountID)
		if err != nil {
			slog.Error("ws portfolio read failed", "account", accountID, "err", err)
			continue
		}
		frame, err := encode(PortfolioUpdate{Portfolio: p})
		if err != nil {
			slog.Error("ws portfolio encode failed", "account", accountID, "err", err)
			continue
		}
		for _, c := range conns {
			c.enqueueAccount(accountID, p.Version, TypePortfolioUpdate, frame)
		}
	}
}
