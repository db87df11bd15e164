package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/store"
)

// Writer moves ledger commits to a Journal off the trade path. Hook is
// registered with store.Ledger.OnCommit and never blocks: when the queue is
// full the commit is dropped and counted.
type Writer struct {
	journal Journal
	queue   chan store.Commit
	timeout time.Duration
}

// NewWriter creates a writer with room for buffer pending commits.
func NewWriter(j Journal, buffer int) *Writer {
	return &Writer{
		journal: j,
		queue:   make(chan store.Commit, buffer),
		timeout: 5 * time.Second,
	}
}

// Hook is a store.CommitHook.
func (w *Writer) Hook(c store.Commit) {
	select {
	case w.queue <- c:
	default:
		metrics.JournalWrites.WithLabelValues("dropped").Add(float64(len(c.Transactions)))
		slog.Warn("journal queue full, commit dropped", "version", c.Version, "transactions", len(c.Transactions))
	}
}

// Run writes queued commits until ctx is cancelled, then flushes what is
// already queued.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case c := <-w.queue:
			w.write(ctx, c)
		case <-ctx.Done():
			for {
				select {
				case c := <-w.queue:
					w.write(context.Background(), c)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(ctx context.Context, c store.Commit) {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.journal.Record(wctx, c.Version, c.Transactions); err != nil {
		metrics.JournalWrites.WithLabelValues("error").Add(float64(len(c.Transactions)))
		slog.Error("journal write failed", "version", c.Version, "err", err)
		return
	}
	metrics.JournalWrites.WithLabelValues("ok").Add(float64(len(c.Transactions)))
}
