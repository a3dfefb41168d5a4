package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ticketmint/ticket-engine/internal/adapters/crdb"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

// Broker publishes one message to the topic exchange.
type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Publisher drains the transactional outbox to the broker. Records are
// claimed with SKIP LOCKED so multiple publishers can run; the dedupe
// key rides along as the message id for consumer-side dedupe.
type Publisher struct {
	repo      Repository
	broker    Broker
	clock     clock.Clock
	logger    observability.Logger
	interval  time.Duration
	batchSize int
}

func NewPublisher(repo Repository, broker Broker, clk clock.Clock, logger observability.Logger, interval time.Duration) *Publisher {
	return &Publisher{
		repo:      repo,
		broker:    broker,
		clock:     clk,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
	}
}

// Run polls until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", err)
			}
		}
	}
}

// Drain publishes one batch and returns how many records went out.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	var published int
	err := p.repo.WithTx(ctx, func(ctx context.Context) error {
		records, err := p.repo.GetUnpublishedOutbox(ctx, p.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			observability.OutboxLag.Set(0)
			return nil
		}
		observability.OutboxLag.Set(p.clock.Now().Sub(records[0].CreatedAt).Seconds())

		for _, rec := range records {
			err := p.broker.Publish(ctx, rec.EventType, amqp.Publishing{
				ContentType:  "application/json",
				MessageId:    rec.DedupeKey,
				Timestamp:    rec.CreatedAt,
				Body:         rec.Payload,
				DeliveryMode: amqp.Persistent,
			})
			if err != nil {
				// leave the record for the next poll
				observability.RabbitPublishRetries.Inc()
				p.logger.WithField("event_type", rec.EventType).Error("publish failed", err)
				continue
			}
			if err := p.repo.MarkPublished(ctx, rec.ID, p.clock.Now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}
