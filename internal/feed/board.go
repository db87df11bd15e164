package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
)

// Cache persists the last successful feed result across restarts.
type Cache interface {
	Load(ctx context.Context) ([]model.Match, error)
	Store(ctx context.Context, matches []model.Match) error
}

// Board holds the operator-managed fixture list plus the last successful
// live feed result. Live prefers the feed and falls back to the board's own
// LIVE matches when the feed has nothing.
type Board struct {
	fetcher Fetcher // optional
	cache   Cache   // optional

	mu      sync.RWMutex
	live    []model.Match
	matches map[string]model.Match
}

// NewBoard creates a board. fetcher and cache may be nil.
func NewBoard(fetcher Fetcher, cache Cache) *Board {
	return &Board{
		fetcher: fetcher,
		cache:   cache,
		matches: make(map[string]model.Match),
	}
}

// Warm loads the cached feed result, if any.
func (b *Board) Warm(ctx context.Context) error {
	if b.cache == nil {
		return nil
	}
	matches, err := b.cache.Load(ctx)
	if err != nil {
		return fmt.Errorf("warm match board: %w", err)
	}
	if len(matches) == 0 {
		return nil
	}
	b.mu.Lock()
	b.live = matches
	b.mu.Unlock()
	slog.Info("match board warmed from cache", "matches", len(matches))
	return nil
}

// Refresh fetches current matches. On failure the last known result stays
// in place.
func (b *Board) Refresh(ctx context.Context) error {
	if b.fetcher == nil {
		return nil
	}
	matches, err := b.fetcher.FetchCurrentMatches(ctx)
	if err != nil {
		metrics.FeedFailures.WithLabelValues("matches").Inc()
		return err
	}

	b.mu.Lock()
	b.live = matches
	b.mu.Unlock()

	if b.cache != nil && len(matches) > 0 {
		if err := b.cache.Store(ctx, matches); err != nil {
			slog.Warn("match cache store failed", "err", err)
		}
	}
	slog.Debug("match feed refreshed", "matches", len(matches))
	return nil
}

// Live returns the current live matches.
func (b *Board) Live() []model.Match {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.live) > 0 {
		return append([]model.Match(nil), b.live...)
	}
	return b.filter(model.MatchLive)
}

// All returns every board match ordered by start time.
func (b *Board) All() []model.Match {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter("")
}

// Upcoming returns the board's UPCOMING matches ordered by start time.
func (b *Board) Upcoming() []model.Match {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter(model.MatchUpcoming)
}

// Get returns a board or feed match by id.
func (b *Board) Get(id string) (model.Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.matches[id]; ok {
		return m, nil
	}
	for _, m := range b.live {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Match{}, fmt.Errorf("%w: %s", model.ErrUnknownMatch, id)
}

// Create adds a match to the board. Status defaults to UPCOMING.
func (b *Board) Create(m model.Match) (model.Match, error) {
	if strings.TrimSpace(m.Team1) == "" || strings.TrimSpace(m.Team2) == "" {
		return model.Match{}, fmt.Errorf("%w: team1 and team2 are required", model.ErrInvalidInput)
	}
	if m.Status == "" {
		m.Status = model.MatchUpcoming
	}
	if !validStatus(m.Status) {
		return model.Match{}, fmt.Errorf("%w: status %q", model.ErrInvalidInput, m.Status)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.matches[m.ID]; ok {
		return model.Match{}, fmt.Errorf("match %s: %w", m.ID, model.ErrAlreadyExists)
	}
	b.matches[m.ID] = m
	return m, nil
}

// Update merges the non-empty fields of patch into the match with id.
func (b *Board) Update(id string, patch model.Match) (model.Match, error) {
	if patch.Status != "" && !validStatus(patch.Status) {
		return model.Match{}, fmt.Errorf("%w: status %q", model.ErrInvalidInput, patch.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.matches[id]
	if !ok {
		return model.Match{}, fmt.Errorf("%w: %s", model.ErrUnknownMatch, id)
	}
	merge(&m.Tournament, patch.Tournament)
	merge(&m.Team1, patch.Team1)
	merge(&m.Team2, patch.Team2)
	merge(&m.Team1Score, patch.Team1Score)
	merge(&m.Team2Score, patch.Team2Score)
	merge(&m.Status, patch.Status)
	merge(&m.Venue, patch.Venue)
	merge(&m.MatchInfo, patch.MatchInfo)
	merge(&m.CurrentOver, patch.CurrentOver)
	if !patch.StartTime.IsZero() {
		m.StartTime = patch.StartTime
	}
	b.matches[id] = m
	return m, nil
}

// filter must be called with b.mu held. An empty status matches all.
func (b *Board) filter(status string) []model.Match {
	out := make([]model.Match, 0, len(b.matches))
	for _, m := range b.matches {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func validStatus(s string) bool {
	return s == model.MatchLive || s == model.MatchUpcoming || s == model.MatchCompleted
}

func merge(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
