package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/model"
	"github.com/pitchside/market-engine/internal/valuation"
)

// Quote is one externally reported instrument price.
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
}

// PriceSource produces new quotes given the current price book.
type PriceSource interface {
	Quotes(ctx context.Context, current map[string]decimal.Decimal) ([]Quote, error)
}

// PriceBook exposes current instrument prices.
type PriceBook interface {
	Prices() map[string]decimal.Decimal
}

// PriceSink applies a price to the ledger.
type PriceSink interface {
	OnPriceChanged(instrumentID string, price decimal.Decimal) (valuation.PriceChange, error)
}

// AccountNotifier is told which accounts were re-valued.
type AccountNotifier interface {
	NotifyAccounts(accountIDs ...string)
}

var minPrice = decimal.RequireFromString("0.01")

// RandomWalk moves every price by a uniform random fraction in
// [-step, +step], rounded to cents and floored at 0.01.
type RandomWalk struct {
	step decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomWalk creates a random walk. seed makes runs reproducible.
func NewRandomWalk(step decimal.Decimal, seed uint64) *RandomWalk {
	return &RandomWalk{step: step, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Quotes implements PriceSource.
func (w *RandomWalk) Quotes(_ context.Context, current map[string]decimal.Decimal) ([]Quote, error) {
	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Quote, 0, len(ids))
	for _, id := range ids {
		u := decimal.NewFromFloat(w.rng.Float64()*2 - 1)
		next := current[id].Mul(decimal.NewFromInt(1).Add(u.Mul(w.step))).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		out = append(out, Quote{InstrumentID: id, Price: next})
	}
	return out, nil
}

// HTTPPriceSource polls a URL returning a JSON array of quotes.
type HTTPPriceSource struct {
	url    string
	client *http.Client
}

// NewHTTPPriceSource creates a polling source.
func NewHTTPPriceSource(url string, timeout time.Duration) *HTTPPriceSource {
	return &HTTPPriceSource{url: url, client: &http.Client{Timeout: timeout}}
}

// Quotes implements PriceSource.
func (s *HTTPPriceSource) Quotes(ctx context.Context, _ map[string]decimal.Decimal) ([]Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("price source: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price source: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("price source: status %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}
	var quotes []Quote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("price source: decode: %v: %w", err, model.ErrUpstreamUnavailable)
	}
	return quotes, nil
}

// PriceUpdater applies quotes to the ledger and notifies the accounts whose
// holdings were re-valued.
type PriceUpdater struct {
	source   PriceSource // nil for push-only use (Kafka)
	book     PriceBook
	sink     PriceSink
	notifier AccountNotifier // optional
	interval time.Duration
	timeout  time.Duration
}

// NewPriceUpdater creates an updater. source may be nil when quotes are
// pushed through Apply.
func NewPriceUpdater(source PriceSource, book PriceBook, sink PriceSink, notifier AccountNotifier, interval, timeout time.Duration) *PriceUpdater {
	return &PriceUpdater{
		source:   source,
		book:     book,
		sink:     sink,
		notifier: notifier,
		interval: interval,
		timeout:  timeout,
	}
}

// Run polls the source every interval until ctx is cancelled.
func (u *PriceUpdater) Run(ctx context.Context) {
	if u.source == nil || u.interval <= 0 {
		return
	}
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.Tick(ctx); err != nil {
				slog.Warn("price update failed, keeping last known prices", "err", err)
			}
		}
	}
}

// Tick fetches one round of quotes and applies them.
func (u *PriceUpdater) Tick(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	quotes, err := u.source.Quotes(fctx, u.book.Prices())
	if err != nil {
		metrics.FeedFailures.WithLabelValues("prices").Inc()
		return err
	}
	u.Apply(quotes)
	return nil
}

// Apply propagates each quote and returns how many prices moved. Invalid
// quotes are logged and skipped.
func (u *PriceUpdater) Apply(quotes []Quote) int {
	changed := 0
	seen := make(map[string]struct{})
	var accounts []string
	for _, q := range quotes {
		pc, err := u.sink.OnPriceChanged(q.InstrumentID, q.Price)
		if err != nil {
			slog.Warn("quote rejected", "instrument", q.InstrumentID, "price", q.Price.String(), "err", err)
			continue
		}
		if !pc.Changed {
			continue
		}
		changed++
		for _, id := range pc.Accounts {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				accounts = append(accounts, id)
			}
		}
	}
	if u.notifier != nil && len(accounts) > 0 {
		u.notifier.NotifyAccounts(accounts...)
	}
	return changed
}
