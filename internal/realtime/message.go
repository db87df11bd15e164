package realtime

import (
	"encoding/json"

	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/valuation"
)

// MessageType tags every envelope on the wire.
type MessageType string

const (
	TypeAuth            MessageType = "AUTH"
	TypePublicSnapshot  MessageType = "PUBLIC_SNAPSHOT"
	TypeFullSnapshot    MessageType = "FULL_SNAPSHOT"
	TypeMarketUpdate    MessageType = "MARKET_UPDATE"
	TypePortfolioUpdate MessageType = "PORTFOLIO_UPDATE"
)

// Envelope is the JSON frame for every message in both directions.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound payload.
type Message interface {
	MessageType() MessageType
}

// AuthRequest is the data of an inbound AUTH message.
type AuthRequest struct {
	AccountID string `json:"account_id"`
}

// MarketData is the public market view: top movers and live matches.
type MarketData struct {
	Trending    []model.Instrument `json:"trending_instruments"`
	LiveMatches []model.Match      `json:"live_matches"`
}

// PublicSnapshot is sent once to every new connection.
type PublicSnapshot struct {
	MarketData
}

// MarketUpdate is broadcast to every connection on the market tick.
type MarketUpdate struct {
	MarketData
}

// FullSnapshot is sent after a successful AUTH.
type FullSnapshot struct {
	MarketData
	valuation.Portfolio
}

// PortfolioUpdate carries one account's summary and holdings.
type PortfolioUpdate struct {
	valuation.Portfolio
}

func (PublicSnapshot) MessageType() MessageType  { return TypePublicSnapshot }
func (MarketUpdate) MessageType() MessageType    { return TypeMarketUpdate }
func (FullSnapshot) MessageType() MessageType    { return TypeFullSnapshot }
func (PortfolioUpdate) MessageType() MessageType { return TypePortfolioUpdate }

// encode wraps m in an envelope.
func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Data: data})
}
