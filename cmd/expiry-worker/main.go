package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ticketmint/ticket-engine/internal/adapters/crdb"
	mongoadapter "github.com/ticketmint/ticket-engine/internal/adapters/mongo"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/config"
	"github.com/ticketmint/ticket-engine/internal/inventory"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/transfer"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

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
	catalog := mongoadapter.NewCatalogRepository(mongoClient.Database("ticketmint"), logger)

	ledger := inventory.NewLedger(repo, clk, logger)
	transferSvc := transfer.NewService(repo, catalog, clk, logger, cfg.TransferRequestTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go run(ctx, ledger, transferSvc, logger, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

// run releases expired reservations and expires stale transfer
// requests on the interval.
func run(ctx context.Context, ledger *inventory.Ledger, transferSvc *transfer.Service, logger observability.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := ledger.ExpireReservations(ctx, sweepBatch)
			if err != nil {
				logger.Error("failed to expire reservations", err)
			} else if released > 0 {
				logger.WithField("released", released).Info("expired reservations")
			}

			resolved, err := transferSvc.ExpirePending(ctx, sweepBatch)
			if err != nil {
				logger.Error("failed to expire transfer requests", err)
			} else if resolved > 0 {
				logger.WithField("resolved", resolved).Info("expired transfer requests")
			}
		}
	}
}
