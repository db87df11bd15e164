package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pitchside/market-engine/internal/auth"
	"github.com/pitchside/market-engine/internal/config"
	"github.com/pitchside/market-engine/internal/feed"
	"github.com/pitchside/market-engine/internal/journal"
	"github.com/pitchside/market-engine/internal/market"
	"github.com/pitchside/market-engine/internal/metrics"
	"github.com/pitchside/market-engine/internal/realtime"
	"github.com/pitchside/market-engine/internal/store"
	"github.com/pitchside/market-engine/internal/trade"
	"github.com/pitchside/market-engine/internal/valuation"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE:  runServe,
	}
}

// services is everything the router mounts.
type services struct {
	trade  *trade.Service
	market *market.Service
	hub    *realtime.Hub
	auth   auth.Provider
	cors   string
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Ledger ---
	ledger := store.NewLedger()

	// --- Match board ---
	var fetcher feed.Fetcher
	if cfg.CricAPIKey != "" {
		fetcher = feed.NewCricAPI(cfg.CricAPIURL, cfg.CricAPIKey, cfg.FeedTimeout)
	} else {
		slog.Warn("CRICAPI_KEY not set, serving board matches only")
	}
	var cache feed.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = feed.NewRedisCache(rdb, cfg.MatchCacheTTL)
		slog.Info("Redis match cache enabled")
	}
	board := feed.NewBoard(fetcher, cache)

	// --- Seed ---
	seed, err := config.LoadSeed(cfg.SeedPath)
	if err != nil {
		return err
	}
	if err := seed.Apply(ledger, board, cfg.StartingBalance); err != nil {
		return err
	}
	metrics.Instruments.Set(float64(len(ledger.Instruments())))
	if err := board.Warm(ctx); err != nil {
		slog.Warn("match cache unavailable", "err", err)
	}

	// --- Audit journal ---
	var wg sync.WaitGroup
	if cfg.JournalDriver != config.JournalNone {
		j, err := journal.Open(ctx, cfg.JournalDriver, cfg.JournalDSN())
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { j.Close() })
		w := journal.NewWriter(j, 1024)
		ledger.OnCommit(w.Hook)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
		slog.Info("audit journal enabled", "driver", cfg.JournalDriver)
	}

	// --- Realtime ---
	hub := realtime.NewHub(ledger, board,
		realtime.WithTrendingLimit(cfg.TrendingLimit),
		realtime.WithCheckOrigin(originChecker(cfg.CORSOrigin)),
	)
	sched, err := realtime.NewScheduler(hub, board, cfg.MarketInterval, cfg.PortfolioInterval, cfg.FeedTimeout)
	if err != nil {
		return err
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// First market tick right away so the board is warm for new clients.
		sched.MarketTick(ctx)
		sched.Run(ctx)
	}()

	// --- Prices ---
	if err := startPrices(ctx, &wg, cfg, ledger, hub); err != nil {
		return err
	}

	// --- HTTP ---
	svcs := services{
		trade: trade.NewService(ledger, hub, trade.Config{
			StartingBalance: cfg.StartingBalance,
			ReferralBonus:   cfg.ReferralBonus,
		}),
		market: market.NewService(ledger, board, hub, cfg.TrendingLimit),
		hub:    hub,
		auth:   auth.HeaderProvider{},
		cors:   cfg.CORSOrigin,
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(svcs),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("market-engine listening", "port", cfg.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		slog.Error("server error", "err", err)
	}

	// Graceful shutdown.
	slog.Info("shutting down market-engine...")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		slog.Error("shutdown error", "err", serr)
	}
	cancel()
	wg.Wait()
	slog.Info("market-engine stopped")
	return err
}

// startPrices wires the configured price source into the propagator.
func startPrices(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, ledger *store.Ledger, hub *realtime.Hub) error {
	propagator := valuation.NewPropagator(ledger)

	var source feed.PriceSource
	switch cfg.PriceSource {
	case config.PriceSourceNone:
		return nil
	case config.PriceSourceRandom:
		source = feed.NewRandomWalk(cfg.PriceStep, uint64(time.Now().UnixNano()))
	case config.PriceSourceHTTP:
		source = feed.NewHTTPPriceSource(cfg.PriceURL, cfg.FeedTimeout)
	}
	updater := feed.NewPriceUpdater(source, ledger, propagator, hub, cfg.PriceInterval, cfg.FeedTimeout)

	wg.Add(1)
	if cfg.PriceSource == config.PriceSourceKafka {
		consumer := feed.NewKafkaPriceConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, updater)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				slog.Error("kafka price consumer stopped", "err", err)
			}
		}()
	} else {
		go func() {
			defer wg.Done()
			updater.Run(ctx)
		}()
	}
	slog.Info("price source enabled", "source", cfg.PriceSource)
	return nil
}

func newRouter(s services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(s.cors))
	r.Use(auth.Middleware(s.auth))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Long-lived: no request timeout.
	r.Get("/ws", s.hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Catalog.
		r.Get("/instruments", s.market.ListInstruments)
		r.Get("/instruments/trending", s.market.Trending)
		r.Get("/instruments/{instrumentID}", s.market.GetInstrument)
		r.Get("/matches", s.market.ListMatches)
		r.Get("/matches/live", s.market.LiveMatches)
		r.Get("/matches/upcoming", s.market.UpcomingMatches)
		r.Get("/matches/{matchID}", s.market.GetMatch)

		// Accounts.
		r.Post("/accounts", s.trade.Register)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require)
			r.Get("/accounts/me", s.trade.GetAccount)
			r.Post("/trade", s.trade.ExecuteTrade)
			r.Get("/portfolio", s.trade.GetPortfolio)
			r.Get("/holdings", s.trade.GetHoldings)
			r.Get("/transactions", s.trade.GetTransactions)
		})

		// Operator endpoints; access control belongs to the upstream proxy.
		r.Route("/admin", func(r chi.Router) {
			r.Post("/instruments", s.market.CreateInstrument)
			r.Put("/instruments/{instrumentID}", s.market.UpdateInstrument)
			r.Post("/matches", s.market.CreateMatch)
			r.Put("/matches/{matchID}", s.market.UpdateMatch)
		})
	})
	return r
}

// cors allows cross-origin requests from origin ("*" for any).
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.DefaultHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originChecker(origin string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if origin == "*" {
			return true
		}
		o := r.Header.Get("Origin")
		return o == "" || o == origin
	}
}
