package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/config"
	"github.com/vnmchuo/credit-meter/internal/api"
	"github.com/vnmchuo/credit-meter/internal/auth"
	"github.com/vnmchuo/credit-meter/internal/ledger"
	"github.com/vnmchuo/credit-meter/internal/metering"
	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
	"github.com/vnmchuo/credit-meter/internal/seeder"
	"github.com/vnmchuo/credit-meter/internal/subscription"
	"github.com/vnmchuo/credit-meter/internal/telemetry"
	"github.com/vnmchuo/credit-meter/internal/usage"
	"github.com/vnmchuo/credit-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.Init(cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	// 3. Connect PostgreSQL. Prices and multipliers are NUMERIC columns,
	// so every connection registers the decimal codec.
	ctx := context.Background()
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to parse postgres dsn: %v", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init pricing
	priceStore := pricing.NewCachedStore(pricing.NewPostgresStore(pool), rdb, cfg.PriceCacheTTL, logger)
	calc := pricing.NewCalculator(priceStore)

	// 7. Init subscription tier source
	var tiers subscription.TierSource
	if cfg.SubscriptionURL != "" {
		tiers = subscription.NewHTTPClient(cfg.SubscriptionURL)
	} else {
		tiers = subscription.NewStaticSource(nil, subscription.TierFree)
	}

	// 8. Init margin policy
	configStore := policy.NewPostgresStore(pool)
	resolver := policy.NewResolver(configStore, tiers, cfg.DefaultMultiplier, logger).
		WithCache(rdb, cfg.PriceCacheTTL)

	// 9. Init usage recording
	usageStore := usage.NewPostgresStore(pool)
	recorder := usage.NewRecorder(calc, resolver, usageStore, cfg.CreditUnitUSD, logger)

	// 10. Init credit ledger
	creditLedger := ledger.NewPostgresLedger(pool, cfg.DeductLockTimeout)

	// 11. Init metering service
	tracer := otel.GetTracerProvider().Tracer("credit-meter")
	svc := metering.NewService(calc, resolver, recorder, creditLedger, logger, tracer)

	// 12. Init rate limiter and HTTP handler
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	handler := api.NewHandler(svc, priceStore, configStore, usageStore, limiter, resolver.Invalidate, logger)

	// 13. Seed test data if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKeys(ctx, authStore)
		seeder.SeedLaunchPrices(ctx, priceStore)
		seeder.SeedMarginConfigs(ctx, configStore)
		seeder.SeedTestBalance(ctx, creditLedger)
	}

	// 14. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"credit-meter"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(handler.RateLimit)
		r.Post("/v1/estimates", handler.HandleEstimate)
		r.Post("/v1/usage", handler.HandleRecordUsage)
		r.Get("/v1/balances/{userID}", handler.HandleBalance)
		r.Get("/v1/usage/{userID}/daily", handler.HandleDailyUsage)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(auth.RequireAdmin)
		r.Put("/v1/admin/prices", handler.HandleSetPrice)
		r.Post("/v1/admin/pricing-configs", handler.HandleUpsertConfig)
		r.Post("/v1/admin/pricing-configs/{id}/deactivate", handler.HandleDeactivateConfig)
		r.Post("/v1/admin/deductions/{id}/reverse", handler.HandleReverse)
		r.Post("/v1/admin/credits", handler.HandleGrant)
	})

	// 15. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Credit meter starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
