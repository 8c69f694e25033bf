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

	"github.com/sharemkt/settlement-engine/internal/admin"
	"github.com/sharemkt/settlement-engine/internal/blob"
	"github.com/sharemkt/settlement-engine/internal/catalog"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/events"
	"github.com/sharemkt/settlement-engine/internal/identity"
	"github.com/sharemkt/settlement-engine/internal/listing"
	"github.com/sharemkt/settlement-engine/internal/metrics"
	"github.com/sharemkt/settlement-engine/internal/notify"
	"github.com/sharemkt/settlement-engine/internal/offer"
	"github.com/sharemkt/settlement-engine/internal/settlement"
	"github.com/sharemkt/settlement-engine/internal/store"
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
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
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

	// --- Collaborators ---
	now := clock.System()
	cat := catalog.Default()
	notifier := notify.LogNotifier{}
	blobs := blob.NewMemory()

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Services ---
	coordinator := settlement.NewCoordinator(st, notifier, hub, now)
	listingSvc := listing.NewService(st, cat, hub, now)
	offerSvc := offer.NewService(st, coordinator, blobs, notifier, hub, now)
	adminSvc := admin.NewService(st, coordinator, now)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time marketplace events.
		r.Get("/ws", hub.HandleWS)

		// Public browse.
		r.Get("/listings", listingSvc.Browse)
		r.Get("/listings/{listingID}", listingSvc.Get)

		// Authenticated surface.
		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(identity.HeaderProvider{}))

			r.Post("/listings", listingSvc.Create)
			r.Post("/listings/{listingID}/cancel", listingSvc.Cancel)
			r.Get("/my/listings", listingSvc.Mine)

			r.Post("/offers", offerSvc.Create)
			r.Post("/offers/{offerID}/accept", offerSvc.Accept)
			r.Post("/offers/{offerID}/decline", offerSvc.Decline)
			r.Post("/offers/{offerID}/payment", offerSvc.SubmitPayment)
			r.Post("/offers/{offerID}/confirm", offerSvc.ConfirmPayment)
			r.Get("/my/offers", offerSvc.Mine)
			r.Get("/my/transfers", offerSvc.Transfers)

			// Admin mediation.
			r.Route("/admin", func(r chi.Router) {
				r.Use(identity.RequireAdmin)

				r.Get("/dashboard", adminSvc.GetDashboard)
				r.Get("/reports", adminSvc.GetReports)
				r.Get("/audit", adminSvc.GetAudit)
				r.Post("/offers/bulk", adminSvc.Bulk)
				r.Post("/offers/{offerID}/force-complete", adminSvc.ForceComplete)
				r.Post("/offers/{offerID}/cancel", adminSvc.Cancel)
				r.Post("/offers/{offerID}/delete", adminSvc.Delete)
				r.Post("/offers/{offerID}/refund", adminSvc.Refund)
				r.Post("/offers/{offerID}/dispute", adminSvc.Dispute)
				r.Post("/offers/{offerID}/resolve", adminSvc.Resolve)
				r.Post("/offers/{offerID}/status", adminSvc.UpdateStatus)
			})
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
		slog.Info("settlement-engine listening", "port", port)
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

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}
