package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ticketmint/ticket-engine/internal/adapters/crdb"
	mongoadapter "github.com/ticketmint/ticket-engine/internal/adapters/mongo"
	redisadapter "github.com/ticketmint/ticket-engine/internal/adapters/redis"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/config"
	"github.com/ticketmint/ticket-engine/internal/entry"
	httphandler "github.com/ticketmint/ticket-engine/internal/http"
	"github.com/ticketmint/ticket-engine/internal/inventory"
	"github.com/ticketmint/ticket-engine/internal/issuance"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/pricing"
	"github.com/ticketmint/ticket-engine/internal/rateLimit"
	"github.com/ticketmint/ticket-engine/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	clk := clock.NewSystem()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("ticketmint")
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	cache := redisadapter.NewCache(redisClient)
	idemp := redisadapter.NewIdempotency(redisClient)
	rl := rateLimit.NewRateLimiter(cache)

	ledger := inventory.NewLedger(repo, clk, logger)
	pricingEngine := pricing.NewEngine(repo, nil, clk)
	issuanceSvc := issuance.NewService(repo, clk, logger)
	transferSvc := transfer.NewService(repo, catalog, clk, logger, cfg.TransferRequestTTL)
	entrySvc := entry.NewService(repo, cache, clk, logger, cfg.RapidScanWindow, cfg.ReentryGrace)

	handlers := httphandler.NewHandlers(cfg, repo, catalog, audit, ledger, pricingEngine,
		issuanceSvc, transferSvc, entrySvc, idemp, logger)

	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
