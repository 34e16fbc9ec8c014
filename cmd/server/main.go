package main

import (
	"context"
	"errors"
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
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/analysis"
	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/cache"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/logging"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/price"
	"github.com/atmx/ledger-engine/internal/riskmetrics"
	"github.com/atmx/ledger-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Service: "ledger-engine"})
	slog.SetDefault(logger)
	defer logCloser.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Report cache tiers ---
	var tiers []cache.ReportCache
	if !cfg.CacheEnabled() {
		slog.Info("report cache disabled")
	}
	if cfg.CacheEnabled() && cfg.LocalCacheMB > 0 {
		local, err := cache.NewLocalCache(ctx, cfg.CacheTTL, cfg.LocalCacheMB)
		if err != nil {
			slog.Error("local cache init failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { local.Close() })
		tiers = append(tiers, local)
		slog.Info("local report cache enabled", "max_mb", cfg.LocalCacheMB, "ttl", cfg.CacheTTL.String())
	}
	if cfg.CacheEnabled() && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		tiers = append(tiers, cache.NewRedisCache(rdb, cfg.CacheTTL))
		slog.Info("Redis report cache enabled", "ttl", cfg.CacheTTL.String())
	}

	// --- Market prices ---
	var prices price.Provider
	if cfg.PriceAPIURL != "" {
		prices = price.NewHTTPProvider(cfg.PriceAPIURL, cfg.PriceTimeout, logger)
		slog.Info("price provider configured", "url", cfg.PriceAPIURL)
	} else {
		slog.Warn("PRICE_API_URL not set, positions are priced only from request parameters")
	}

	// --- Analysis service ---
	method, err := riskmetrics.ParseMethod(cfg.RiskVaRMethod)
	if err != nil {
		slog.Error("invalid RISK_VAR_METHOD", "err", err)
		os.Exit(1)
	}
	svc, err := analysis.NewService(analysis.Deps{
		Trades:  st,
		Targets: st,
		Prices:  prices,
		Cache:   cache.NewTiered(logger, tiers...),
		Logger:  logger,
	}, analysis.Config{
		Matcher: ledger.Options{CapitalizeBuyFees: cfg.CapitalizeBuyFees},
		Risk: riskmetrics.Config{
			Method:       method,
			Confidence:   cfg.RiskVaRConfidence,
			RiskFreeRate: cfg.RiskFreeRate,
		},
		NearThreshold: decimal.NewFromFloat(cfg.AlertNearThreshold),
	})
	if err != nil {
		slog.Error("analysis service init failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx.Done())

	handler := api.NewHandler(svc, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
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
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for risk alerts. Long-lived, so outside the timeout.
	r.Get("/ws", wsHub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("ledger-engine stopped")
}
