package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Refresher reloads external market data. Refresh is called outside any
// ledger lock and must honour ctx.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler drives the periodic market and portfolio broadcasts for the
// lifetime of the process, independent of any connection.
type Scheduler struct {
	hub               *Hub
	feed              Refresher // optional
	marketInterval    time.Duration
	portfolioInterval time.Duration
	feedTimeout       time.Duration
}

// NewScheduler validates the intervals and creates a scheduler. The
// portfolio interval may not exceed the market interval.
func NewScheduler(hub *Hub, feed Refresher, market, portfolio, feedTimeout time.Duration) (*Scheduler, error) {
	if market <= 0 || portfolio <= 0 {
		return nil, fmt.Errorf("scheduler: intervals must be positive (market=%s portfolio=%s)", market, portfolio)
	}
	if portfolio > market {
		return nil, fmt.Errorf("scheduler: portfolio interval %s exceeds market interval %s", portfolio, market)
	}
	if feedTimeout <= 0 {
		feedTimeout = 10 * time.Second
	}
	return &Scheduler{
		hub:               hub,
		feed:              feed,
		marketInterval:    market,
		portfolioInterval: portfolio,
		feedTimeout:       feedTimeout,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	market := time.NewTicker(s.marketInterval)
	portfolio := time.NewTicker(s.portfolioInterval)
	defer market.Stop()
	defer portfolio.Stop()

	slog.Info("scheduler started",
		"market_interval", s.marketInterval.String(),
		"portfolio_interval", s.portfolioInterval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-market.C:
			s.MarketTick(ctx)
		case <-portfolio.C:
			s.hub.BroadcastPortfolios()
		}
	}
}

// MarketTick refreshes the feed, bounded by the feed timeout, then
// broadcasts a market update. A failed refresh still broadcasts the last
// known data.
func (s *Scheduler) MarketTick(ctx context.Context) {
	if s.feed != nil {
		fctx, cancel := context.WithTimeout(ctx, s.feedTimeout)
		err := s.feed.Refresh(fctx)
		cancel()
		if err != nil {
			slog.Warn("market feed refresh failed, serving last known matches", "err", err)
		}
	}
	s.hub.BroadcastMarket()
}
