package entry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/issuance"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error)
	GetTicketForUpdate(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, t domain.Ticket) error
	CreateScanRecord(ctx context.Context, rec domain.ScanRecord) error
}

// Locker serializes concurrent scans of the same ticket across gates.
// The lock only guards in-flight scans; it is released as soon as the
// scan finishes so a follow-up rescan reaches the heuristics.
type Locker interface {
	AcquireScanLock(ctx context.Context, ticketID string, ttl time.Duration) (bool, error)
	ReleaseScanLock(ctx context.Context, ticketID string) error
}

// Confidence deductions per heuristic flag.
const (
	rapidScanPenalty     = 0.3
	recentReentryPenalty = 0.2
)

type Service struct {
	repo   Repository
	locker Locker
	clock  clock.Clock
	logger observability.Logger

	rapidWindow  time.Duration
	reentryGrace time.Duration
	lockTTL      time.Duration
}

func NewService(repo Repository, locker Locker, clk clock.Clock, logger observability.Logger, rapidWindow, reentryGrace time.Duration) *Service {
	return &Service{
		repo:         repo,
		locker:       locker,
		clock:        clk,
		logger:       logger,
		rapidWindow:  rapidWindow,
		reentryGrace: reentryGrace,
		lockTTL:      5 * time.Second,
	}
}

type ValidateInput struct {
	Barcode     string
	Location    string
	DeviceID    string
	ValidatorID uuid.UUID
}

// Decision is the gate-facing validation outcome.
type Decision struct {
	Valid      bool
	Result     domain.ScanResult
	Flags      []string
	Confidence float64
	TicketID   uuid.UUID
}

// ValidateEntry decides whether the barcode admits its holder right
// now. Every attempt, admitted or not, lands in the scan log.
//
// A ticket already scanned is not rejected outright: an immediate
// rescan (double-read at the gate) admits with a RAPID_SCAN flag, and a
// return within the re-entry grace admits with RECENT_REENTRY. Beyond
// the grace the ticket is spent.
func (s *Service) ValidateEntry(ctx context.Context, in ValidateInput) (Decision, error) {
	now := s.clock.Now()

	ticket, err := s.repo.GetTicketByBarcode(ctx, in.Barcode)
	if err == nil && !issuance.VerifyTicket(ticket) {
		s.logger.WithField("ticket_id", ticket.ID.String()).Warn("verification hash mismatch")
		err = domain.ErrNotFound
	}
	if err != nil {
		dec := Decision{Result: domain.ScanNotFound}
		observability.ScansTotal.WithLabelValues(string(dec.Result)).Inc()
		return dec, nil
	}

	ok, err := s.locker.AcquireScanLock(ctx, ticket.ID.String(), s.lockTTL)
	if err != nil {
		s.logger.Error("scan lock unavailable", err)
	}
	// lock errors fall through: the row lock below still serializes
	if err == nil && !ok {
		dec := Decision{Result: domain.ScanInProgress, TicketID: ticket.ID}
		s.record(ctx, dec, in, now)
		return dec, nil
	}
	if err == nil {
		defer func() {
			if rerr := s.locker.ReleaseScanLock(ctx, ticket.ID.String()); rerr != nil {
				s.logger.WithField("ticket_id", ticket.ID.String()).Error("failed to release scan lock", rerr)
			}
		}()
	}

	var dec Decision
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := s.repo.GetTicketForUpdate(ctx, ticket.ID)
		if err != nil {
			return err
		}

		dec = s.decide(ticket, now)
		if !dec.Valid {
			return s.repo.CreateScanRecord(ctx, s.buildRecord(dec, in, now))
		}

		if ticket.Status != domain.TicketUsed {
			if err := ticket.Transition(domain.TicketUsed); err != nil {
				return err
			}
		}
		if ticket.FirstScannedAt == nil {
			first := now
			ticket.FirstScannedAt = &first
		}
		last := now
		ticket.LastScannedAt = &last
		ticket.ScanCount++
		if err := s.repo.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		return s.repo.CreateScanRecord(ctx, s.buildRecord(dec, in, now))
	})
	if err != nil {
		return Decision{}, err
	}
	observability.ScansTotal.WithLabelValues(string(dec.Result)).Inc()
	return dec, nil
}

// decide applies the checks in order; the first failure wins. A USED
// ticket passes the status check and falls through to the rescan
// heuristics.
func (s *Service) decide(ticket domain.Ticket, now time.Time) Decision {
	dec := Decision{TicketID: ticket.ID, Confidence: 1.0}
	reject := func(result domain.ScanResult) Decision {
		dec.Result = result
		dec.Confidence = 0
		return dec
	}

	if !ticket.IsActive {
		return reject(domain.ScanInactive)
	}
	switch ticket.Status {
	case domain.TicketSold, domain.TicketTransferred, domain.TicketUsed:
	default:
		return reject(domain.ScanInvalidStatus)
	}
	if now.Before(ticket.ValidFrom) || now.After(ticket.ValidUntil) {
		return reject(domain.ScanOutsideValidity)
	}
	if !ticket.EntryAllowedFrom.IsZero() && now.Before(ticket.EntryAllowedFrom) {
		return reject(domain.ScanOutsideEntryWindow)
	}
	if !ticket.EntryCutoff.IsZero() && now.After(ticket.EntryCutoff) {
		return reject(domain.ScanOutsideEntryWindow)
	}

	if ticket.ScanCount > 0 {
		sinceLast := now.Sub(derefTime(ticket.LastScannedAt, now))
		sinceFirst := now.Sub(derefTime(ticket.FirstScannedAt, now))
		switch {
		case sinceLast <= s.rapidWindow:
			dec.Flags = append(dec.Flags, domain.FlagRapidScan)
			dec.Confidence -= rapidScanPenalty
		case sinceFirst <= s.reentryGrace:
			dec.Flags = append(dec.Flags, domain.FlagRecentReentry)
			dec.Confidence -= recentReentryPenalty
		default:
			return reject(domain.ScanUsed)
		}
	}

	dec.Valid = true
	dec.Result = domain.ScanAdmitted
	return dec
}

func (s *Service) buildRecord(dec Decision, in ValidateInput, now time.Time) domain.ScanRecord {
	return domain.ScanRecord{
		ID:          uuid.New(),
		TicketID:    dec.TicketID,
		Result:      dec.Result,
		Admitted:    dec.Valid,
		Location:    in.Location,
		DeviceID:    in.DeviceID,
		ValidatorID: in.ValidatorID,
		Flags:       dec.Flags,
		Confidence:  dec.Confidence,
		ScannedAt:   now,
	}
}

// record persists a scan attempt outside any transaction; a failed
// write must not turn away the ticket holder.
func (s *Service) record(ctx context.Context, dec Decision, in ValidateInput, now time.Time) {
	if err := s.repo.CreateScanRecord(ctx, s.buildRecord(dec, in, now)); err != nil {
		s.logger.WithField("ticket_id", dec.TicketID.String()).Error("failed to record scan", err)
	}
	observability.ScansTotal.WithLabelValues(string(dec.Result)).Inc()
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
