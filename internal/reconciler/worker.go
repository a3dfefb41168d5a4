package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ticketmint/ticket-engine/internal/observability"
)

const sweepPageSize = 200

// Worker drives the reconciler from the event stream plus a periodic
// drift sweep.
type Worker struct {
	service    *Service
	deliveries <-chan amqp.Delivery
	logger     observability.Logger
	interval   time.Duration
}

func NewWorker(service *Service, deliveries <-chan amqp.Delivery, logger observability.Logger, sweepInterval time.Duration) *Worker {
	return &Worker{service: service, deliveries: deliveries, logger: logger, interval: sweepInterval}
}

type ticketEvent struct {
	TicketID string `json:"ticket_id"`
}

// Run blocks until the context is cancelled, consuming deliveries and
// sweeping on the interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			found, err := w.service.Sweep(ctx, sweepPageSize)
			if err != nil {
				w.logger.Error("drift sweep failed", err)
			} else if found > 0 {
				w.logger.WithField("discrepancies", found).Warn("drift sweep found mismatches")
			}
		case delivery, ok := <-w.deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var event ticketEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		w.logger.Error("unparseable event, dropping", err)
		_ = delivery.Nack(false, false)
		return
	}
	ticketID, err := uuid.Parse(event.TicketID)
	if err != nil {
		w.logger.Error("event missing ticket id, dropping", err)
		_ = delivery.Nack(false, false)
		return
	}

	log := w.logger.WithField("ticket_id", ticketID.String()).WithField("routing_key", delivery.RoutingKey)
	switch delivery.RoutingKey {
	case "ticket.issued":
		err = w.service.ProcessIssued(ctx, ticketID)
	case "transfer.completed":
		err = w.service.ProcessTransferred(ctx, ticketID)
	case "ticket.revoked":
		err = w.service.ProcessRevoked(ctx, ticketID)
	default:
		log.Debug("ignoring event")
		_ = delivery.Ack(false)
		return
	}
	if err != nil {
		log.Error("event processing failed", err)
		// requeue once; redelivered failures park in the error state
		_ = delivery.Nack(false, !delivery.Redelivered)
		return
	}
	_ = delivery.Ack(false)
}
