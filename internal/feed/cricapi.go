// Package feed pulls external market data into the engine: live match
// scores from CricAPI and instrument prices from a price source or Kafka.
//
// Everything here performs I/O and therefore runs outside the ledger lock.
// Prices are applied through the valuation propagator only after they have
// been fetched.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pitchside/market-engine/internal/model"
)

// DefaultCricAPIURL is the public CricAPI v1 endpoint.
const DefaultCricAPIURL = "https://api.cricapi.com/v1"

// Fetcher returns the matches currently in progress.
type Fetcher interface {
	FetchCurrentMatches(ctx context.Context) ([]model.Match, error)
}

// CricAPI is a Fetcher backed by the CricAPI currentMatches endpoint.
type CricAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCricAPI creates a client. timeout bounds each request on top of any
// context deadline.
func NewCricAPI(baseURL, apiKey string, timeout time.Duration) *CricAPI {
	if baseURL == "" {
		baseURL = DefaultCricAPIURL
	}
	return &CricAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type cricResponse struct {
	Status string      `json:"status"`
	Reason string      `json:"reason"`
	Data   []cricMatch `json:"data"`
}

type cricMatch struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	MatchType   string      `json:"matchType"`
	Status      string      `json:"status"`
	Venue       string      `json:"venue"`
	Date        string      `json:"date"`
	DateTimeGMT string      `json:"dateTimeGMT"`
	Teams       []string    `json:"teams"`
	Score       []cricScore `json:"score"`
}

type cricScore struct {
	Runs    int     `json:"r"`
	Wickets int     `json:"w"`
	Overs   float64 `json:"o"`
	Inning  string  `json:"inning"` // "India Inning 1"
}

// FetchCurrentMatches implements Fetcher. Any transport failure, non-2xx
// reply or non-"success" payload is reported as model.ErrUpstreamUnavailable.
func (c *CricAPI) FetchCurrentMatches(ctx context.Context) ([]model.Match, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("cricapi: api key not configured: %w", model.ErrUpstreamUnavailable)
	}

	q := url.Values{"apikey": {c.apiKey}, "offset": {"0"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/currentMatches?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("cricapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cricapi: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cricapi: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), model.ErrUpstreamUnavailable)
	}

	var payload cricResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("cricapi: decode: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	if payload.Status != "success" || payload.Data == nil {
		reason := payload.Reason
		if reason == "" {
			reason = "unsuccessful status " + strconv.Quote(payload.Status)
		}
		return nil, fmt.Errorf("cricapi: %s: %w", reason, model.ErrUpstreamUnavailable)
	}

	matches := make([]model.Match, 0, len(payload.Data))
	for _, m := range payload.Data {
		matches = append(matches, toMatch(m))
	}
	return matches, nil
}

func toMatch(m cricMatch) model.Match {
	team1, team2 := "Team 1", "Team 2"
	if len(m.Teams) > 0 && m.Teams[0] != "" {
		team1 = m.Teams[0]
	}
	if len(m.Teams) > 1 && m.Teams[1] != "" {
		team2 = m.Teams[1]
	}

	over := "0"
	if n := len(m.Score); n > 0 {
		over = strconv.FormatFloat(m.Score[n-1].Overs, 'f', -1, 64)
	}

	return model.Match{
		ID:          m.ID,
		Tournament:  m.MatchType,
		Team1:       team1,
		Team2:       team2,
		Team1Score:  teamScore(m.Score, team1),
		Team2Score:  teamScore(m.Score, team2),
		Status:      model.MatchLive,
		Venue:       m.Venue,
		MatchInfo:   m.Status,
		CurrentOver: over,
		StartTime:   startTime(m),
	}
}

// teamScore formats the first innings credited to team as "runs/wickets".
// An innings belongs to the team its label starts with.
func teamScore(scores []cricScore, team string) string {
	for _, s := range scores {
		if s.Inning != "" && strings.HasPrefix(s.Inning, team) {
			return fmt.Sprintf("%d/%d", s.Runs, s.Wickets)
		}
	}
	return ""
}

func startTime(m cricMatch) time.Time {
	if t, err := time.Parse("2006-01-02T15:04:05", m.DateTimeGMT); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.DateOnly, m.Date); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
