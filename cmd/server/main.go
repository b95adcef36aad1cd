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

	"github.com/stakewise/v3-core-sub000/internal/api"
	"github.com/stakewise/v3-core-sub000/internal/config"
	"github.com/stakewise/v3-core-sub000/internal/engine"
	"github.com/stakewise/v3-core-sub000/internal/metrics"
	"github.com/stakewise/v3-core-sub000/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.Storage.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
	}

	// --- Engine ---
	vcfg, err := cfg.VaultConfig()
	if err != nil {
		slog.Error("invalid vault config", "err", err)
		os.Exit(1)
	}
	ecfg := engine.Config{
		Vault:         vcfg,
		Faucet:        cfg.Faucet,
		SnapshotEvery: cfg.Storage.SnapshotEvery,
	}
	if cfg.Synth != nil {
		scfg, err := cfg.SynthConfig()
		if err != nil {
			slog.Error("invalid synthetic config", "err", err)
			os.Exit(1)
		}
		ecfg.Synth = scfg
	}
	if cfg.Faucet {
		slog.Warn("faucet enabled: anyone can mint underlying assets")
	}

	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	eng, err := engine.New(ctx, ecfg, st, wsHub)
	if err != nil {
		slog.Error("engine start failed", "err", err)
		os.Exit(1)
	}
	svc := api.NewService(eng)
	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"settlement-ledger","seq":%d}`, eng.Seq())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(limiter.Middleware)
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-ledger listening", "port", cfg.Server.Port, "seq", eng.Seq())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-ledger stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
