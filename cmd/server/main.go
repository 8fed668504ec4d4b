package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/covault/position-engine/internal/engine"
	"github.com/covault/position-engine/internal/journal"
	"github.com/covault/position-engine/internal/ledger"
	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/metrics"
	"github.com/covault/position-engine/internal/oracle"
	"github.com/covault/position-engine/internal/registry"
)

const upstreamTimeout = 5 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Asset registry ---
	// Unknown assets and markets are fatal at startup, not per-request.
	reg := registry.Defaults()
	if path := os.Getenv("REGISTRY_FILE"); path != "" {
		var err error
		reg, err = registry.LoadFile(path)
		if err != nil {
			slog.Error("registry load failed", "path", path, "err", err)
			os.Exit(1)
		}
		slog.Info("registry loaded", "path", path, "assets", len(reg.List()))
	} else {
		slog.Warn("REGISTRY_FILE not set, using built-in default assets")
	}

	// --- Price oracle ---
	var orc oracle.PriceOracle
	if oracleURL := os.Getenv("ORACLE_URL"); oracleURL != "" {
		orc = oracle.NewHTTPOracle(oracleURL, upstreamTimeout)
		slog.Info("using HTTP price oracle", "url", oracleURL)
	} else {
		slog.Warn("ORACLE_URL not set, using static development prices")
		orc = oracle.NewStaticOracle(oracle.DevPrices())
	}

	// Wrap with Redis read-through cache if configured.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		orc = oracle.NewCachedOracle(orc, rdb, 5*time.Second)
		slog.Info("Redis price cache enabled")
	}

	// --- Lending market ---
	var mkt market.Client
	if marketURL := os.Getenv("MARKET_URL"); marketURL != "" {
		mkt = market.NewHTTPMarket(marketURL, upstreamTimeout)
		slog.Info("using HTTP lending market", "url", marketURL)
	} else {
		slog.Warn("MARKET_URL not set, using in-process simulated market")
		ids := make([]string, 0, len(reg.List()))
		for _, a := range reg.List() {
			ids = append(ids, a.MarketID)
		}
		mkt = market.NewSimMarket(ids...)
	}

	// --- Execution journal ---
	var jnl journal.Journal
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := journal.NewPostgresJournal(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("journal migration failed", "err", err)
			os.Exit(1)
		}
		jnl = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory journal (receipts will not persist)")
		jnl = journal.NewMemoryJournal()
	}

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Position engine ---
	led := ledger.New(reg, mkt, orc)
	eng := engine.New(reg, led, mkt, orc, jnl, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time account events.
		r.Get("/ws", wsHub.HandleWS)

		eng.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("position-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("position-engine stopped")
}
