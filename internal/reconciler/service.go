package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

// TicketMetadata is the immutable payload pinned to the minted token.
type TicketMetadata struct {
	Number       string `json:"number"`
	EventID      string `json:"event_id"`
	TypeID       string `json:"type_id"`
	OwnerRef     string `json:"owner_ref"`
	MetadataHash string `json:"metadata_hash"`
}

// ChainRecord is the collaborator's view of one token.
type ChainRecord struct {
	ExternalID   string `json:"external_id"`
	OwnerRef     string `json:"owner_ref"`
	Status       string `json:"status"`
	MetadataHash string `json:"metadata_hash"`
}

// ChainClient submits work to and reads state from the minting
// collaborator. Every call crosses the network; none may run while a
// database row lock is held.
type ChainClient interface {
	SubmitMint(ctx context.Context, ticketID uuid.UUID, md TicketMetadata) (string, error)
	SubmitTransfer(ctx context.Context, externalID, newOwnerRef string) error
	SubmitBurn(ctx context.Context, externalID string) error
	GetRecord(ctx context.Context, externalID string) (ChainRecord, error)
}

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, t domain.Ticket) error
	GetTicketForUpdate(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	GetLedgerRecordForUpdate(ctx context.Context, ticketID uuid.UUID) (domain.ExternalLedgerRecord, error)
	UpdateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error
	ListLedgerRecords(ctx context.Context, afterTicket uuid.UUID, limit int) ([]domain.ExternalLedgerRecord, error)
	CreateDiscrepancy(ctx context.Context, d domain.Discrepancy) error
}

type Service struct {
	repo   Repository
	chain  ChainClient
	clock  clock.Clock
	logger observability.Logger
}

func NewService(repo Repository, chain ChainClient, clk clock.Clock, logger observability.Logger) *Service {
	return &Service{repo: repo, chain: chain, clock: clk, logger: logger}
}

// ProcessIssued mints the token for a freshly issued ticket. The record
// moves to minting before the network call and to minted after, each in
// its own transaction, so a crash mid-mint leaves an explicit state
// rather than a lie.
func (s *Service) ProcessIssued(ctx context.Context, ticketID uuid.UUID) error {
	claimed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		// an errored row without a token is a failed mint; a redelivered
		// event re-claims it
		retry := rec.SyncStatus == domain.SyncError && rec.ExternalID == nil
		if rec.SyncStatus != domain.SyncPending && !retry {
			// replayed delivery or mint already in flight
			return nil
		}
		if err := rec.Advance(domain.SyncMinting, nil); err != nil {
			return err
		}
		claimed = true
		return s.repo.UpdateLedgerRecord(ctx, rec)
	})
	if err != nil || !claimed {
		return err
	}

	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	md := MetadataFor(ticket)

	externalID, mintErr := s.chain.SubmitMint(ctx, ticketID, md)
	if mintErr != nil {
		if err := s.markFailed(ctx, ticketID, mintErr.Error()); err != nil {
			return err
		}
		return mintErr
	}

	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := rec.Advance(domain.SyncMinted, &externalID); err != nil {
			return err
		}
		now := s.clock.Now()
		rec.LastVerifiedAt = &now
		if err := s.repo.UpdateLedgerRecord(ctx, rec); err != nil {
			return err
		}

		ticket, err := s.repo.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		ticket.ExternalRef = &externalID
		return s.repo.UpdateTicket(ctx, ticket)
	})
}

// ProcessTransferred pushes a completed local transfer to the chain.
// Tokens not yet minted are skipped; the mint carries the current owner
// when it eventually lands.
func (s *Service) ProcessTransferred(ctx context.Context, ticketID uuid.UUID) error {
	var (
		externalID string
		ownerRef   string
		ready      bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if rec.ExternalID == nil ||
			(rec.SyncStatus != domain.SyncMinted && rec.SyncStatus != domain.SyncTransferred &&
				rec.SyncStatus != domain.SyncError) {
			s.logger.WithField("ticket_id", ticketID.String()).Info("transfer before mint, skipping chain push")
			return nil
		}
		externalID, ownerRef, ready = *rec.ExternalID, rec.OwnerRef, true
		return nil
	})
	if err != nil || !ready {
		return err
	}

	if err := s.chain.SubmitTransfer(ctx, externalID, ownerRef); err != nil {
		if ferr := s.markFailed(ctx, ticketID, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := rec.Advance(domain.SyncTransferred, nil); err != nil {
			return err
		}
		now := s.clock.Now()
		rec.LastVerifiedAt = &now
		return s.repo.UpdateLedgerRecord(ctx, rec)
	})
}

// ProcessRevoked burns the token of a refunded or cancelled ticket.
func (s *Service) ProcessRevoked(ctx context.Context, ticketID uuid.UUID) error {
	var (
		externalID string
		ready      bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if rec.SyncStatus == domain.SyncBurned {
			return nil
		}
		if rec.ExternalID == nil {
			s.logger.WithField("ticket_id", ticketID.String()).Info("revoked before mint, nothing to burn")
			return nil
		}
		externalID, ready = *rec.ExternalID, true
		return nil
	})
	if err != nil || !ready {
		return err
	}

	if err := s.chain.SubmitBurn(ctx, externalID); err != nil {
		if ferr := s.markFailed(ctx, ticketID, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := rec.Advance(domain.SyncBurned, nil); err != nil {
			return err
		}
		now := s.clock.Now()
		rec.LastVerifiedAt = &now
		return s.repo.UpdateLedgerRecord(ctx, rec)
	})
}

func (s *Service) markFailed(ctx context.Context, ticketID uuid.UUID, detail string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetLedgerRecordForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := rec.Fail(detail); err != nil {
			return err
		}
		return s.repo.UpdateLedgerRecord(ctx, rec)
	})
}

// expectedChainStatus maps a local sync state to the status the chain
// should report for it. States with no chain-side expectation return
// false.
func expectedChainStatus(s domain.SyncStatus) (string, bool) {
	switch s {
	case domain.SyncMinted:
		return "minted", true
	case domain.SyncTransferred:
		return "transferred", true
	case domain.SyncBurned:
		return "burned", true
	}
	return "", false
}

// Sweep walks every external ledger record and compares it against the
// chain. Mismatches become discrepancy records for a human to resolve;
// the sweep never mutates either side to force agreement.
func (s *Service) Sweep(ctx context.Context, pageSize int) (int, error) {
	var (
		after uuid.UUID
		found int
	)
	for {
		records, err := s.repo.ListLedgerRecords(ctx, after, pageSize)
		if err != nil {
			return found, err
		}
		if len(records) == 0 {
			return found, nil
		}
		for _, rec := range records {
			after = rec.TicketID
			n, err := s.verify(ctx, rec)
			if err != nil {
				s.logger.WithField("ticket_id", rec.TicketID.String()).Error("verification failed", err)
				continue
			}
			found += n
		}
		if len(records) < pageSize {
			return found, nil
		}
	}
}

func (s *Service) verify(ctx context.Context, rec domain.ExternalLedgerRecord) (int, error) {
	expected, ok := expectedChainStatus(rec.SyncStatus)
	if !ok || rec.ExternalID == nil {
		return 0, nil
	}

	var mismatches []domain.Discrepancy
	chainRec, err := s.chain.GetRecord(ctx, *rec.ExternalID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		mismatches = append(mismatches, s.discrepancy(rec.TicketID, "presence", expected, "missing"))
	case err != nil:
		return 0, err
	default:
		if chainRec.Status != expected {
			mismatches = append(mismatches, s.discrepancy(rec.TicketID, "status", expected, chainRec.Status))
		}
		if rec.SyncStatus != domain.SyncBurned && chainRec.OwnerRef != rec.OwnerRef {
			mismatches = append(mismatches, s.discrepancy(rec.TicketID, "owner", rec.OwnerRef, chainRec.OwnerRef))
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		for _, d := range mismatches {
			if err := s.repo.CreateDiscrepancy(ctx, d); err != nil {
				return err
			}
		}
		cur, err := s.repo.GetLedgerRecordForUpdate(ctx, rec.TicketID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		cur.LastVerifiedAt = &now
		return s.repo.UpdateLedgerRecord(ctx, cur)
	})
	if err != nil {
		return 0, err
	}

	for range mismatches {
		observability.DiscrepanciesFound.Inc()
	}
	return len(mismatches), nil
}

func (s *Service) discrepancy(ticketID uuid.UUID, field, expected, observed string) domain.Discrepancy {
	return domain.Discrepancy{
		ID:         uuid.New(),
		TicketID:   ticketID,
		Field:      field,
		Expected:   expected,
		Observed:   observed,
		DetectedAt: s.clock.Now(),
	}
}

// MetadataFor derives the token metadata from the ticket, including the
// hash that pins it.
func MetadataFor(t domain.Ticket) TicketMetadata {
	h := sha256.Sum256([]byte(t.Number + "|" + t.EventID.String() + "|" + t.TypeID.String() + "|" + t.OwnerID.String()))
	return TicketMetadata{
		Number:       t.Number,
		EventID:      t.EventID.String(),
		TypeID:       t.TypeID.String(),
		OwnerRef:     t.OwnerID.String(),
		MetadataHash: hex.EncodeToString(h[:]),
	}
}
