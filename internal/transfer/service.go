package transfer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	GetTypeForUpdate(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	UpdateTypeCounters(ctx context.Context, t domain.TicketType) error
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	GetTicketForUpdate(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, t domain.Ticket) error
	CreateTransferRequest(ctx context.Context, t domain.TransferRequest) error
	GetTransferRequestForUpdate(ctx context.Context, id uuid.UUID) (domain.TransferRequest, error)
	ResolveTransferRequest(ctx context.Context, id uuid.UUID, status domain.TransferStatus, at time.Time) error
	GetExpiredTransferRequests(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error)
	CloseCurrentOwnership(ctx context.Context, ticketID uuid.UUID, until time.Time) error
	CreateOwnershipRecord(ctx context.Context, rec domain.OwnershipRecord) error
	GetLedgerRecordForUpdate(ctx context.Context, ticketID uuid.UUID) (domain.ExternalLedgerRecord, error)
	UpdateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error
	EnqueueEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}) error
}

// Catalog reads event master data. Looked up before the transaction
// opens so no row lock is held across the network call.
type Catalog interface {
	GetEventStart(ctx context.Context, eventID uuid.UUID) (time.Time, error)
}

type Service struct {
	repo       Repository
	catalog    Catalog
	clock      clock.Clock
	logger     observability.Logger
	requestTTL time.Duration
}

func NewService(repo Repository, catalog Catalog, clk clock.Clock, logger observability.Logger, requestTTL time.Duration) *Service {
	return &Service{repo: repo, catalog: catalog, clock: clk, logger: logger, requestTTL: requestTTL}
}

type InitiateInput struct {
	TicketID    uuid.UUID
	FromUserID  uuid.UUID
	ToUserID    uuid.UUID
	InitiatorID uuid.UUID
	Type        domain.TransferType
	Price       decimal.Decimal
}

// Initiate starts a transfer. When the type requires approval the
// request stays pending until the recipient accepts; otherwise
// ownership changes in the same transaction.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (domain.TransferRequest, error) {
	if in.FromUserID == in.ToUserID {
		return domain.TransferRequest{}, errors.Wrap(domain.ErrInvalidInput, "cannot transfer to self")
	}
	if in.Type == "" {
		in.Type = domain.TransferTypeGift
	}
	if in.InitiatorID == uuid.Nil {
		in.InitiatorID = in.FromUserID
	}

	now := s.clock.Now()

	// the deadline check needs the event start; fetch it before the
	// transaction so no row lock is held across the catalog read
	var eventStart time.Time
	var haveStart bool
	if s.catalog != nil {
		ticket, err := s.repo.GetTicket(ctx, in.TicketID)
		if err != nil {
			return domain.TransferRequest{}, err
		}
		start, err := s.catalog.GetEventStart(ctx, ticket.EventID)
		if err != nil {
			return domain.TransferRequest{}, errors.Wrap(domain.ErrExternalDependency, err.Error())
		}
		eventStart, haveStart = start, true
	}

	var req domain.TransferRequest
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := s.repo.GetTicketForUpdate(ctx, in.TicketID)
		if err != nil {
			return err
		}
		tt, err := s.repo.GetType(ctx, ticket.TypeID)
		if err != nil {
			return err
		}
		if err := s.checkTransferable(ticket, tt, in, now, eventStart, haveStart); err != nil {
			return err
		}

		req = domain.TransferRequest{
			ID:               uuid.New(),
			TicketID:         ticket.ID,
			FromUserID:       in.FromUserID,
			ToUserID:         in.ToUserID,
			InitiatorID:      in.InitiatorID,
			Type:             in.Type,
			Price:            in.Price,
			Fee:              tt.TransferFee,
			RequiresApproval: tt.TransferRequiresApproval,
			Status:           domain.TransferPending,
			ExpiresAt:        now.Add(s.requestTTL),
			CreatedAt:        now,
		}
		if err := s.repo.CreateTransferRequest(ctx, req); err != nil {
			return err
		}

		if req.RequiresApproval {
			observability.TransfersTotal.WithLabelValues("requested").Inc()
			return s.repo.EnqueueEvent(ctx, "transfer", req.ID, "transfer.requested", transferPayload(req))
		}
		return s.complete(ctx, &req, ticket, now)
	})
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return req, nil
}

func (s *Service) checkTransferable(ticket domain.Ticket, tt domain.TicketType, in InitiateInput, now, eventStart time.Time, haveStart bool) error {
	if ticket.OwnerID != in.FromUserID {
		return errors.Wrap(domain.ErrTransferNotAllowed, "sender is not the current owner")
	}
	if !ticket.IsActive {
		return errors.Wrap(domain.ErrTransferNotAllowed, "ticket is inactive")
	}
	if !ticket.Status.CanTransitionTo(domain.TicketTransferred) {
		return errors.Wrapf(domain.ErrTransferNotAllowed, "ticket is %s", ticket.Status)
	}
	if !ticket.Transferable || !tt.Transferable {
		return errors.Wrap(domain.ErrTransferNotAllowed, "ticket type is not transferable")
	}
	if tt.MaxTransfers > 0 && ticket.TransferCount >= tt.MaxTransfers {
		return errors.Wrapf(domain.ErrTransferNotAllowed, "transfer limit %d reached", tt.MaxTransfers)
	}
	if tt.TransferDeadline > 0 && haveStart && now.After(eventStart.Add(-tt.TransferDeadline)) {
		return errors.Wrap(domain.ErrTransferNotAllowed, "transfer window closed")
	}
	return nil
}

// complete swaps ownership inside the caller's transaction: the old
// interval closes and the new record opens atomically, so exactly one
// owner is current at any point.
func (s *Service) complete(ctx context.Context, req *domain.TransferRequest, ticket domain.Ticket, now time.Time) error {
	if err := ticket.Transition(domain.TicketTransferred); err != nil {
		return err
	}
	if err := s.repo.CloseCurrentOwnership(ctx, ticket.ID, now); err != nil {
		return err
	}

	acq := domain.AcquisitionTransfer
	if req.Type == domain.TransferTypeGift {
		acq = domain.AcquisitionGift
	}
	rec := domain.NewOwnershipRecord(ticket.ID, req.ToUserID, acq, req.Price, req.ID.String(), now)
	if err := s.repo.CreateOwnershipRecord(ctx, rec); err != nil {
		return err
	}

	ticket.OwnerID = req.ToUserID
	ticket.TransferCount++
	if err := s.repo.UpdateTicket(ctx, ticket); err != nil {
		return err
	}

	if err := s.repo.ResolveTransferRequest(ctx, req.ID, domain.TransferCompleted, now); err != nil {
		return err
	}
	req.Status = domain.TransferCompleted
	req.ResolvedAt = &now

	ledger, err := s.repo.GetLedgerRecordForUpdate(ctx, ticket.ID)
	if err != nil {
		return err
	}
	ledger.OwnerRef = req.ToUserID.String()
	if err := s.repo.UpdateLedgerRecord(ctx, ledger); err != nil {
		return err
	}

	observability.TransfersTotal.WithLabelValues("completed").Inc()
	return s.repo.EnqueueEvent(ctx, "transfer", req.ID, "transfer.completed", transferPayload(*req))
}

// Approve lets the recipient accept a pending transfer. Requests past
// their expiry are expired lazily here rather than waiting for the
// sweep.
func (s *Service) Approve(ctx context.Context, requestID, approverID uuid.UUID) (domain.TransferRequest, error) {
	now := s.clock.Now()
	var req domain.TransferRequest
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repo.GetTransferRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Resolved() {
			return errors.Wrapf(domain.ErrConflict, "request is %s", req.Status)
		}
		if req.ExpiredAt(now) {
			if err := s.repo.ResolveTransferRequest(ctx, req.ID, domain.TransferExpired, now); err != nil {
				return err
			}
			observability.TransfersTotal.WithLabelValues("expired").Inc()
			return errors.Wrap(domain.ErrConflict, "request expired")
		}
		if approverID != req.ToUserID {
			return errors.Wrap(domain.ErrTransferNotAllowed, "only the recipient can accept")
		}

		ticket, err := s.repo.GetTicketForUpdate(ctx, req.TicketID)
		if err != nil {
			return err
		}
		if ticket.OwnerID != req.FromUserID {
			if err := s.repo.ResolveTransferRequest(ctx, req.ID, domain.TransferCancelled, now); err != nil {
				return err
			}
			return errors.Wrap(domain.ErrConflict, "ticket changed hands since the request")
		}
		return s.complete(ctx, &req, ticket, now)
	})
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return req, nil
}

// Reject declines a pending transfer, leaving ownership untouched.
func (s *Service) Reject(ctx context.Context, requestID, rejecterID uuid.UUID) (domain.TransferRequest, error) {
	now := s.clock.Now()
	var req domain.TransferRequest
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.repo.GetTransferRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Resolved() {
			return errors.Wrapf(domain.ErrConflict, "request is %s", req.Status)
		}
		if rejecterID != req.ToUserID && rejecterID != req.FromUserID {
			return errors.Wrap(domain.ErrTransferNotAllowed, "not a party to the request")
		}
		status := domain.TransferRejected
		if rejecterID == req.FromUserID {
			status = domain.TransferCancelled
		}
		if err := s.repo.ResolveTransferRequest(ctx, req.ID, status, now); err != nil {
			return err
		}
		req.Status = status
		req.ResolvedAt = &now
		observability.TransfersTotal.WithLabelValues("rejected").Inc()
		return s.repo.EnqueueEvent(ctx, "transfer", req.ID, "transfer.rejected", transferPayload(req))
	})
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return req, nil
}

// ExpirePending sweeps pending requests past their expiry. Each request
// resolves in its own transaction.
func (s *Service) ExpirePending(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	expired, err := s.repo.GetExpiredTransferRequests(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	var resolved int
	for _, req := range expired {
		err := s.repo.WithTx(ctx, func(ctx context.Context) error {
			return s.repo.ResolveTransferRequest(ctx, req.ID, domain.TransferExpired, now)
		})
		if errors.Is(err, domain.ErrConflict) {
			// resolved concurrently
			continue
		}
		if err != nil {
			s.logger.WithField("request_id", req.ID.String()).Error("failed to expire transfer request", err)
			continue
		}
		observability.TransfersTotal.WithLabelValues("expired").Inc()
		resolved++
	}
	return resolved, nil
}

// Revoke takes a ticket out of circulation on refund or cancellation:
// the unit returns to available inventory and, when the token is
// already minted, a burn is queued for the reconciler.
func (s *Service) Revoke(ctx context.Context, ticketID uuid.UUID, next domain.TicketStatus) error {
	if next != domain.TicketRefunded && next != domain.TicketCancelled {
		return errors.Wrapf(domain.ErrInvalidInput, "cannot revoke to %s", next)
	}
	now := s.clock.Now()
	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := s.repo.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := ticket.Transition(next); err != nil {
			return err
		}
		ticket.IsActive = false
		if err := s.repo.UpdateTicket(ctx, ticket); err != nil {
			return err
		}

		tt, err := s.repo.GetTypeForUpdate(ctx, ticket.TypeID)
		if err != nil {
			return err
		}
		if err := tt.Adjust(-1, 0); err != nil {
			return err
		}
		if err := s.repo.UpdateTypeCounters(ctx, tt); err != nil {
			return err
		}

		if err := s.repo.CloseCurrentOwnership(ctx, ticket.ID, now); err != nil {
			return err
		}

		return s.repo.EnqueueEvent(ctx, "ticket", ticket.ID, "ticket.revoked", map[string]interface{}{
			"ticket_id": ticket.ID.String(),
			"status":    string(next),
		})
	})
}

func transferPayload(req domain.TransferRequest) map[string]interface{} {
	return map[string]interface{}{
		"request_id": req.ID.String(),
		"ticket_id":  req.TicketID.String(),
		"from":       req.FromUserID.String(),
		"to":         req.ToUserID.String(),
		"type":       string(req.Type),
		"status":     string(req.Status),
	}
}
