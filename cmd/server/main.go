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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/swingfolio/portfolio-engine/internal/auth"
	"github.com/swingfolio/portfolio-engine/internal/ledger"
	"github.com/swingfolio/portfolio-engine/internal/metrics"
	"github.com/swingfolio/portfolio-engine/internal/portfolio"
	"github.com/swingfolio/portfolio-engine/internal/quotes"
	"github.com/swingfolio/portfolio-engine/internal/store"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Error("JWT_SECRET not set")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
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

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Recalculation engine ---
	engine := ledger.NewEngine(st, logger)

	// --- WebSocket hub ---
	hub := quotes.NewHub()
	go hub.Run()

	// --- Quote updater ---
	var updater *quotes.Updater
	if apiKey := os.Getenv("QUOTE_API_KEY"); apiKey != "" {
		provider := quotes.NewHTTPProvider(os.Getenv("QUOTE_API_URL"), apiKey, nil)
		interval := 15 * time.Minute
		if v := os.Getenv("QUOTE_REFRESH_INTERVAL"); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				slog.Error("invalid QUOTE_REFRESH_INTERVAL", "err", err)
				os.Exit(1)
			}
			interval = parsed
		}
		updater = quotes.NewUpdater(st, provider, rdb, hub, interval, logger)
		go updater.Run(ctx)
		slog.Info("quote updater enabled", "interval", interval.String())
	} else {
		slog.Warn("QUOTE_API_KEY not set, live quotes disabled")
	}

	// --- Portfolio service ---
	svc := portfolio.NewService(engine, st, updater)

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
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time quote updates.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware([]byte(jwtSecret)))

			// Trade ledger.
			r.Post("/trades", svc.RecordTrade)
			r.Get("/trades", svc.ListTrades)
			r.Delete("/trades/{tradeID}", svc.DeleteTrade)

			// Derived positions.
			r.Get("/positions", svc.ListPositions)
			r.Get("/positions/{ticker}", svc.GetPosition)
			r.Post("/positions/{ticker}/recalculate", svc.RecalculatePosition)

			// Portfolio overview.
			r.Get("/dashboard", svc.GetDashboard)

			// On-demand quotes.
			r.Get("/quotes/{ticker}", svc.GetQuote)
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
		slog.Info("portfolio-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
