package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ticketmint/ticket-engine/internal/adapters/chain"
	"github.com/ticketmint/ticket-engine/internal/adapters/crdb"
	"github.com/ticketmint/ticket-engine/internal/adapters/rabbit"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/config"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/outbox"
	"github.com/ticketmint/ticket-engine/internal/reconciler"
)

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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	publisher, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	consumer, err := rabbit.NewConsumer(conn, "reconciler",
		"ticket.issued", "transfer.completed", "ticket.revoked")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	chainClient := chain.NewClient(cfg.ChainEndpoint)
	service := reconciler.NewService(repo, chainClient, clk, logger)
	worker := reconciler.NewWorker(service, deliveries, logger, cfg.ReconcileInterval)
	outboxPub := outbox.NewPublisher(repo, publisher, clk, logger, cfg.SweepInterval)

	go func() {
		if err := outboxPub.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("outbox publisher stopped", err)
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("reconciler worker stopped", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown reconciler")
}
