package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/valuation"
)

type staticMatches []model.Match

func (m staticMatches) Live() []model.Match { return m }

func newTestLedger(t *testing.T) *store.Ledger {
	t.Helper()
	l := store.NewLedger()
	err := l.Update(func(tx *store.Tx) error {
		if _, err := tx.CreateAccount(model.Account{ID: "user1", Username: "user1", Balance: decimal.NewFromInt(1000)}); err != nil {
			return err
		}
		if _, err := tx.CreateInstrument(model.Instrument{ID: "kohli", Name: "Virat Kohli", CurrentPrice: decimal.NewFromInt(100)}); err != nil {
			return err
		}
		return tx.CreateHolding(model.Holding{AccountID: "user1", InstrumentID: "kohli", Quantity: 3, AverageBuyPrice: decimal.NewFromInt(100)})
	})
	require.NoError(t, err)
	return l
}

// startHub runs a hub behind an httptest server and returns it with a
// dialer URL.
func startHub(t *testing.T, l *store.Ledger) (*Hub, string) {
	t.Helper()
	h := NewHub(l, staticMatches{{ID: "m1", Team1: "IND", Team2: "AUS", Status: model.MatchLive}})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendAuth(t *testing.T, conn *websocket.Conn, accountID string) {
	t.Helper()
	data, _ := json.Marshal(AuthRequest{AccountID: accountID})
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeAuth, Data: data}))
}

type accountPayload struct {
	Trending []model.Instrument     `json:"trending_instruments"`
	Summary  model.PortfolioSummary `json:"portfolio"`
	Holdings []model.HoldingView    `json:"holdings"`
	Version  uint64                 `json:"version"`
}

func TestHub_PublicSnapshotOnConnect(t *testing.T) {
	_, url := startHub(t, newTestLedger(t))
	conn := dial(t, url)

	env := read(t, conn)
	require.Equal(t, TypePublicSnapshot, env.Type)

	var md MarketData
	require.NoError(t, json.Unmarshal(env.Data, &md))
	assert.Len(t, md.Trending, 1)
	require.Len(t, md.LiveMatches, 1)
	assert.Equal(t, "m1", md.LiveMatches[0].ID)
}

func TestHub_AuthThenPortfolioUpdate(t *testing.T) {
	l := newTestLedger(t)
	h, url := startHub(t, l)
	conn := dial(t, url)
	read(t, conn) // public snapshot

	// An unknown account is ignored; the next AUTH still works.
	sendAuth(t, conn, "ghost")
	sendAuth(t, conn, "user1")

	env := read(t, conn)
	require.Equal(t, TypeFullSnapshot, env.Type)
	var full accountPayload
	require.NoError(t, json.Unmarshal(env.Data, &full))
	assert.Len(t, full.Trending, 1)
	require.Len(t, full.Holdings, 1)
	assert.Equal(t, int64(3), full.Holdings[0].Quantity)
	assert.Equal(t, l.Version(), full.Version)

	_, err := valuation.NewPropagator(l).OnPriceChanged("kohli", decimal.NewFromInt(120))
	require.NoError(t, err)
	h.NotifyAccounts("user1")

	env = read(t, conn)
	require.Equal(t, TypePortfolioUpdate, env.Type)
	var upd accountPayload
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.True(t, upd.Summary.PortfolioValue.Equal(decimal.NewFromInt(360)), "portfolio value %s", upd.Summary.PortfolioValue)
	assert.Greater(t, upd.Version, full.Version)
}

func TestHub_BroadcastMarketReachesAnonymousClients(t *testing.T) {
	h, url := startHub(t, newTestLedger(t))
	conn := dial(t, url)
	read(t, conn)

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	h.BroadcastMarket()
	h.BroadcastPortfolios() // nobody authenticated: nothing queued

	env := read(t, conn)
	assert.Equal(t, TypeMarketUpdate, env.Type)
}

func TestHub_MalformedFramesIgnored(t *testing.T) {
	_, url := startHub(t, newTestLedger(t))
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeAuth, Data: json.RawMessage(`{}`)}))
	sendAuth(t, conn, "user1")

	assert.Equal(t, TypeFullSnapshot, read(t, conn).Type)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h, url := startHub(t, newTestLedger(t))
	conn := dial(t, url)
	read(t, conn)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublicSnapshotPrecedesBroadcasts(t *testing.T) {
	h, url := startHub(t, newTestLedger(t))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.BroadcastMarket()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})

	for i := 0; i < 5; i++ {
		conn := dial(t, url)
		assert.Equal(t, TypePublicSnapshot, read(t, conn).Type)
		conn.Close()
	}
}

// A commit between the snapshot read and the state change still reaches
// the connection.
func TestHub_AdmitCatchesUpWithCommitsAfterSnapshot(t *testing.T) {
	l := newTestLedger(t)
	h := NewHub(l, staticMatches{})
	c := newClient("c1", h, nil)

	p, err := h.portfolios.Portfolio("user1")
	require.NoError(t, err)

	_, err = valuation.NewPropagator(l).OnPriceChanged("kohli", decimal.NewFromInt(120))
	require.NoError(t, err)
	h.NotifyAccounts("user1") // c is not authenticated yet

	h.admit(c, "user1", p)

	require.Len(t, c.send, 2)
	var env Envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, TypeFullSnapshot, env.Type)

	require.NoError(t, json.Unmarshal(<-c.send, &env))
	require.Equal(t, TypePortfolioUpdate, env.Type)
	var upd accountPayload
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, l.Version(), upd.Version)
	assert.Greater(t, upd.Version, p.Version)
	assert.True(t, upd.Summary.PortfolioValue.Equal(decimal.NewFromInt(360)), "portfolio value %s", upd.Summary.PortfolioValue)
}

func TestHub_AdmitWithoutNewCommitsSendsOnlySnapshot(t *testing.T) {
	l := newTestLedger(t)
	h := NewHub(l, staticMatches{})
	c := newClient("c1", h, nil)

	p, err := h.portfolios.Portfolio("user1")
	require.NoError(t, err)
	h.admit(c, "user1", p)
	assert.Len(t, c.send, 1)
}

// --- Client ordering ---

func TestClient_DropsStaleAccountPayloads(t *testing.T) {
	c := newClient("c1", nil, nil)

	assert.False(t, c.enqueueAccount("user1", 1, TypePortfolioUpdate, []byte("x")), "unauthenticated")

	require.True(t, c.authenticate("user1", 5, []byte("full")))
	assert.Equal(t, StateAuthenticated, c.State())

	assert.False(t, c.enqueueAccount("user1", 4, TypePortfolioUpdate, []byte("old")))
	assert.True(t, c.enqueueAccount("user1", 5, TypePortfolioUpdate, []byte("same")))
	assert.True(t, c.enqueueAccount("user1", 7, TypePortfolioUpdate, []byte("new")))
	assert.False(t, c.enqueueAccount("user1", 6, TypePortfolioUpdate, []byte("late")))
	assert.False(t, c.enqueueAccount("user2", 9, TypePortfolioUpdate, []byte("other")))

	var got []string
	for len(c.send) > 0 {
		got = append(got, string(<-c.send))
	}
	assert.Equal(t, []string{"full", "same", "new"}, got)
}

func TestClient_StaleReauthSnapshotDropped(t *testing.T) {
	c := newClient("c1", nil, nil)
	require.True(t, c.authenticate("user1", 5, []byte("full@5")))
	require.True(t, c.enqueueAccount("user1", 10, TypePortfolioUpdate, []byte("update@10")))

	assert.False(t, c.authenticate("user1", 9, []byte("full@9")))
	assert.True(t, c.authenticate("user1", 10, []byte("full@10")))
	assert.False(t, c.enqueueAccount("user1", 9, TypePortfolioUpdate, []byte("late")))

	id, ok := c.AccountID()
	assert.True(t, ok)
	assert.Equal(t, "user1", id)

	var got []string
	for len(c.send) > 0 {
		got = append(got, string(<-c.send))
	}
	assert.Equal(t, []string{"full@5", "update@10", "full@10"}, got)
}

func TestClient_ReauthSwitchesAccount(t *testing.T) {
	c := newClient("c1", nil, nil)
	c.authenticate("user1", 10, nil)
	c.authenticate("user2", 3, nil)

	id, ok := c.AccountID()
	assert.True(t, ok)
	assert.Equal(t, "user2", id)
	assert.True(t, c.enqueueAccount("user2", 3, TypePortfolioUpdate, nil))
}

func TestClient_FullQueueDropsWithoutBlocking(t *testing.T) {
	c := newClient("c1", nil, nil)
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.enqueue(TypeMarketUpdate, nil))
	}
	assert.False(t, c.enqueue(TypeMarketUpdate, nil))
}

func TestClient_Close(t *testing.T) {
	c := newClient("c1", nil, nil)
	c.close()
	c.close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.State().String())
	assert.False(t, c.enqueue(TypeMarketUpdate, nil))
	assert.False(t, c.authenticate("user1", 1, nil))
	assert.False(t, c.enqueueAccount("user1", 1, TypePortfolioUpdate, nil))
}

// --- Scheduler ---

type fakeRefresher struct {
	err         error
	calls       int
	hadDeadline bool
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	_, f.hadDeadline = ctx.Deadline()
	return f.err
}

func TestNewScheduler_Validation(t *testing.T) {
	h := NewHub(store.NewLedger(), staticMatches{})

	_, err := NewScheduler(h, nil, 0, time.Second, 0)
	assert.Error(t, err)
	_, err = NewScheduler(h, nil, time.Second, 2*time.Second, 0)
	assert.Error(t, err)

	s, err := NewScheduler(h, nil, time.Minute, 30*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.feedTimeout)
}

func TestScheduler_MarketTickSurvivesFeedFailure(t *testing.T) {
	h := NewHub(store.NewLedger(), staticMatches{})
	c := newClient("c1", h, nil)
	h.clients[c] = struct{}{}

	f := &fakeRefresher{err: errors.New("feed down")}
	s, err := NewScheduler(h, f, time.Minute, time.Minute, time.Second)
	require.NoError(t, err)

	s.MarketTick(context.Background())
	assert.Equal(t, 1, f.calls)
	assert.True(t, f.hadDeadline)
	require.Len(t, c.send, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, TypeMarketUpdate, env.Type)
}
