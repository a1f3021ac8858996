package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cavecrawl/game-engine/internal/auth"
	"github.com/cavecrawl/game-engine/internal/fairness"
	"github.com/cavecrawl/game-engine/internal/game"
	"github.com/cavecrawl/game-engine/internal/metrics"
	"github.com/cavecrawl/game-engine/internal/policy"
	"github.com/cavecrawl/game-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis cache + nonce/revocation primitives if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Authentication gate ---
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		slog.Error("JWT_SECRET environment variable not set")
		os.Exit(1)
	}

	var chainID int64 = 1
	if raw := os.Getenv("CHAIN_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Error("invalid CHAIN_ID", "err", err)
			os.Exit(1)
		}
		chainID = id
	}

	// ERC-1271 contract-wallet validation needs a node; without one,
	// deferred-validation signatures fail closed.
	var wallets auth.ContractVerifier
	if rpcURL := os.Getenv("ETH_RPC_URL"); rpcURL != "" {
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			slog.Error("ethereum node connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, client.Close)
		wallets = auth.NewRPCContractVerifier(client)
		slog.Info("contract wallet verification enabled")
	} else {
		slog.Warn("ETH_RPC_URL not set, contract wallet signatures will be rejected")
	}

	authSvc := auth.NewService(st, wallets, auth.Config{
		Secret:  []byte(secret),
		ChainID: chainID,
	})

	// --- WebSocket hub ---
	hub := game.NewHub()
	go hub.Run()

	// --- Game service ---
	gameSvc := game.NewService(st, fairness.NewTableExpander(), policy.Default(), hub)

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
		w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live completion feed.
		r.Get("/ws", hub.HandleWS)

		// Authentication.
		r.Post("/auth/nonce", authSvc.IssueNonce)
		r.Post("/auth/verify", authSvc.Verify)
		r.With(authSvc.Middleware).Post("/auth/logout", authSvc.Logout)

		// Leaderboard is public; authenticated callers also get their rank.
		r.With(authSvc.Optional).Get("/leaderboard", gameSvc.GetLeaderboard)

		// Game sessions.
		r.Group(func(r chi.Router) {
			r.Use(authSvc.Middleware)
			r.Post("/games", gameSvc.StartGame)
			r.Get("/games/{sessionID}", gameSvc.GetSession)
			r.Post("/games/{sessionID}/rounds", gameSvc.PlayRound)
		})
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
		slog.Info("game-engine listening", "port", port)
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

	slog.Info("shutting down game-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("game-engine stopped")
}
