package issuance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	NextTicketSequence(ctx context.Context, eventID, typeID uuid.UUID) (int64, error)
	CreateTicket(ctx context.Context, t domain.Ticket) error
	CreateOwnershipRecord(ctx context.Context, rec domain.OwnershipRecord) error
	CreateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error
	EnqueueEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}) error
}

// maxIssueAttempts bounds barcode regeneration when an identifier
// collides with an existing ticket.
const maxIssueAttempts = 3

// batchConcurrency caps parallel issuance within one batch.
const batchConcurrency = 4

type Service struct {
	repo   Repository
	clock  clock.Clock
	logger observability.Logger
}

func NewService(repo Repository, clk clock.Clock, logger observability.Logger) *Service {
	return &Service{repo: repo, clock: clk, logger: logger}
}

type IssueInput struct {
	TypeID      uuid.UUID
	EventID     uuid.UUID
	OwnerID     uuid.UUID
	PurchaserID uuid.UUID
	PricePaid   decimal.Decimal
	FeesPaid    decimal.Decimal
	Seat        domain.Seat
	Acquisition domain.AcquisitionType
	SourceTxRef string

	ValidFrom        time.Time
	ValidUntil       time.Time
	EntryAllowedFrom time.Time
	EntryCutoff      time.Time
}

func (in IssueInput) validate() error {
	switch {
	case in.TypeID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "type id required")
	case in.OwnerID == uuid.Nil:
		return errors.Wrap(domain.ErrInvalidInput, "owner id required")
	case in.ValidFrom.IsZero() || in.ValidUntil.IsZero():
		return errors.Wrap(domain.ErrInvalidInput, "validity window required")
	case !in.ValidUntil.After(in.ValidFrom):
		return errors.Wrap(domain.ErrInvalidInput, "validity window inverted")
	}
	return nil
}

// Issue creates one ticket: sequence number, barcode, verification
// hash, the opening ownership record and the pending external ledger
// row, all in one transaction. Inventory is not touched here; the
// caller commits the sale before issuing.
func (s *Service) Issue(ctx context.Context, in IssueInput) (domain.Ticket, error) {
	if err := in.validate(); err != nil {
		return domain.Ticket{}, err
	}
	if in.Acquisition == "" {
		in.Acquisition = domain.AcquisitionPurchase
	}
	if in.PurchaserID == uuid.Nil {
		in.PurchaserID = in.OwnerID
	}

	var ticket domain.Ticket
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		err := s.repo.WithTx(ctx, func(ctx context.Context) error {
			tt, err := s.repo.GetType(ctx, in.TypeID)
			if err != nil {
				return err
			}
			if in.EventID != uuid.Nil && tt.EventID != in.EventID {
				return errors.Wrapf(domain.ErrTypeMismatch, "type %s belongs to event %s", tt.ID, tt.EventID)
			}
			if tt.Status == domain.TicketTypeRetired {
				return errors.Wrapf(domain.ErrInvalidTypeState, "type %s is retired", tt.ID)
			}

			seq, err := s.repo.NextTicketSequence(ctx, tt.EventID, tt.ID)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			id := uuid.New()
			number := ticketNumber(tt.EventID, tt.ID, seq)
			barcode := barcodeFor(id, number, now, attempt)

			ticket = domain.Ticket{
				ID:                  id,
				TypeID:              tt.ID,
				EventID:             tt.EventID,
				OwnerID:             in.OwnerID,
				OriginalPurchaserID: in.PurchaserID,
				Number:              number,
				Barcode:             barcode,
				VerificationHash:    ComputeVerificationHash(id, number, barcode),
				Seat:                in.Seat,
				PricePaid:           in.PricePaid,
				FeesPaid:            in.FeesPaid,
				Status:              domain.TicketSold,
				IsActive:            true,
				ValidFrom:           in.ValidFrom,
				ValidUntil:          in.ValidUntil,
				EntryAllowedFrom:    in.EntryAllowedFrom,
				EntryCutoff:         in.EntryCutoff,
				Transferable:        tt.Transferable,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.repo.CreateTicket(ctx, ticket); err != nil {
				return err
			}

			rec := domain.NewOwnershipRecord(id, in.OwnerID, in.Acquisition, in.PricePaid, in.SourceTxRef, now)
			if err := s.repo.CreateOwnershipRecord(ctx, rec); err != nil {
				return err
			}

			if err := s.repo.CreateLedgerRecord(ctx, domain.ExternalLedgerRecord{
				TicketID:   id,
				OwnerRef:   in.OwnerID.String(),
				SyncStatus: domain.SyncPending,
				UpdatedAt:  now,
			}); err != nil {
				return err
			}

			return s.repo.EnqueueEvent(ctx, "ticket", id, "ticket.issued", map[string]interface{}{
				"ticket_id": id.String(),
				"type_id":   tt.ID.String(),
				"event_id":  tt.EventID.String(),
				"owner_id":  in.OwnerID.String(),
				"number":    number,
			})
		})
		if errors.Is(err, domain.ErrDuplicateIdentifier) {
			s.logger.WithField("attempt", strconv.Itoa(attempt+1)).Warn("barcode collision, regenerating")
			continue
		}
		if err != nil {
			return domain.Ticket{}, err
		}
		observability.TicketsIssued.Inc()
		return ticket, nil
	}
	return domain.Ticket{}, errors.Wrap(domain.ErrDuplicateIdentifier, "exhausted identifier attempts")
}

type BatchError struct {
	Index int
	Err   error
}

// BatchResult reports per-unit outcomes. Succeeded units stay issued
// even when later units fail.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
	Tickets   []domain.Ticket
	Errors    []BatchError
}

// IssueBatch issues qty tickets from the same input. Each unit is its
// own transaction; failures are collected, never rolled back across
// units.
func (s *Service) IssueBatch(ctx context.Context, in IssueInput, qty int) (BatchResult, error) {
	if qty <= 0 {
		return BatchResult{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}

	var (
		mu     sync.Mutex
		result BatchResult
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := 0; i < qty; i++ {
		i := i
		g.Go(func() error {
			ticket, err := s.Issue(ctx, in)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, BatchError{Index: i, Err: err})
				return nil
			}
			result.Succeeded++
			result.Tickets = append(result.Tickets, ticket)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func ticketNumber(eventID, typeID uuid.UUID, seq int64) string {
	event := strings.ToUpper(strings.ReplaceAll(eventID.String(), "-", ""))[:8]
	typ := strings.ToUpper(strings.ReplaceAll(typeID.String(), "-", ""))[:4]
	return fmt.Sprintf("TKT-%s-%s-%06d", event, typ, seq)
}

// barcodeFor derives the scannable identifier from the ticket identity
// salted with issue time, so reissue attempts never repeat a value.
func barcodeFor(id uuid.UUID, number string, now time.Time, attempt int) string {
	h := sha256.Sum256([]byte(id.String() + "|" + number + "|" +
		strconv.FormatInt(now.UnixNano(), 10) + "|" + strconv.Itoa(attempt)))
	return hex.EncodeToString(h[:20])
}

// ComputeVerificationHash binds id, number and barcode so any one
// field tampered with invalidates the ticket at the gate.
func ComputeVerificationHash(id uuid.UUID, number, barcode string) string {
	h := sha256.Sum256([]byte(id.String() + "|" + number + "|" + barcode))
	return hex.EncodeToString(h[:])
}

// VerifyTicket recomputes the verification hash and compares.
func VerifyTicket(t domain.Ticket) bool {
	return ComputeVerificationHash(t.ID, t.Number, t.Barcode) == t.VerificationHash
}
