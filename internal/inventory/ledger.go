package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/observability"
)

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTypeForUpdate(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	UpdateTypeCounters(ctx context.Context, t domain.TicketType) error
	CreateReservation(ctx context.Context, res domain.Reservation) error
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error
	GetExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// Ledger owns the per-type counters. Every adjustment locks the type
// row, applies the delta through domain.TicketType.Adjust and writes
// the re-derived counters back, so concurrent buyers of the last unit
// serialize on the row and exactly one wins.
type Ledger struct {
	repo   Repository
	clock  clock.Clock
	logger observability.Logger
}

func NewLedger(repo Repository, clk clock.Clock, logger observability.Logger) *Ledger {
	return &Ledger{repo: repo, clock: clk, logger: logger}
}

// Reserve holds qty units against the type and records the reservation.
func (l *Ledger) Reserve(ctx context.Context, typeID, customerID uuid.UUID, qty int, ttl time.Duration) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}

	var res domain.Reservation
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		tt, err := l.repo.GetTypeForUpdate(ctx, typeID)
		if err != nil {
			return err
		}
		if !tt.Sellable() {
			return errors.Wrapf(domain.ErrInvalidTypeState, "type %s is %s", tt.ID, tt.Status)
		}
		if err := tt.Adjust(0, qty); err != nil {
			observability.InventoryConflicts.Inc()
			return err
		}
		if err := l.repo.UpdateTypeCounters(ctx, tt); err != nil {
			return err
		}
		res = domain.NewReservation(typeID, customerID, qty, l.clock.Now(), ttl)
		return l.repo.CreateReservation(ctx, res)
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// CommitSale converts a reservation's held units into sold units.
func (l *Ledger) CommitSale(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	var res domain.Reservation
	err := l.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = l.repo.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != domain.ReservationActive {
			return errors.Wrapf(domain.ErrConflict, "reservation is %s", res.Status)
		}

		tt, err := l.repo.GetTypeForUpdate(ctx, res.TypeID)
		if err != nil {
			return err
		}

		if l.clock.Now().After(res.ExpiresAt) {
			if err := tt.Adjust(0, -res.Quantity); err != nil {
				return err
			}
			if err := l.repo.UpdateTypeCounters(ctx, tt); err != nil {
				return err
			}
			if err := l.repo.UpdateReservationStatus(ctx, res.ID, domain.ReservationExpired); err != nil {
				return err
			}
			return errors.Wrap(domain.ErrConflict, "reservation expired")
		}

		if err := tt.Adjust(res.Quantity, -res.Quantity); err != nil {
			return err
		}
		if err := l.repo.UpdateTypeCounters(ctx, tt); err != nil {
			return err
		}
		res.Status = domain.ReservationCommitted
		return l.repo.UpdateReservationStatus(ctx, res.ID, domain.ReservationCommitted)
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Release credits sold units back to available, for refunds and
// cancellations.
func (l *Ledger) Release(ctx context.Context, typeID uuid.UUID, qty int) error {
	if qty <= 0 {
		return errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	return l.repo.WithTx(ctx, func(ctx context.Context) error {
		tt, err := l.repo.GetTypeForUpdate(ctx, typeID)
		if err != nil {
			return err
		}
		if err := tt.Adjust(-qty, 0); err != nil {
			return err
		}
		return l.repo.UpdateTypeCounters(ctx, tt)
	})
}

// ReleaseReservation returns a reservation's held units to available.
// Idempotent: a reservation already released, expired or committed is
// left untouched.
func (l *Ledger) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) error {
	return l.repo.WithTx(ctx, func(ctx context.Context) error {
		res, err := l.repo.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Status != domain.ReservationActive {
			return nil
		}
		tt, err := l.repo.GetTypeForUpdate(ctx, res.TypeID)
		if err != nil {
			return err
		}
		if err := tt.Adjust(0, -res.Quantity); err != nil {
			return err
		}
		if err := l.repo.UpdateTypeCounters(ctx, tt); err != nil {
			return err
		}
		return l.repo.UpdateReservationStatus(ctx, res.ID, domain.ReservationReleased)
	})
}

// ExpireReservations sweeps reservations past their expiry, releasing
// held inventory. Each reservation expires in its own transaction so
// one failure does not stall the sweep.
func (l *Ledger) ExpireReservations(ctx context.Context, limit int) (int, error) {
	expired, err := l.repo.GetExpiredReservations(ctx, l.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	var released int
	for _, res := range expired {
		err := l.repo.WithTx(ctx, func(ctx context.Context) error {
			cur, err := l.repo.GetReservationForUpdate(ctx, res.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.ReservationActive {
				return nil
			}
			tt, err := l.repo.GetTypeForUpdate(ctx, cur.TypeID)
			if err != nil {
				return err
			}
			if err := tt.Adjust(0, -cur.Quantity); err != nil {
				return err
			}
			if err := l.repo.UpdateTypeCounters(ctx, tt); err != nil {
				return err
			}
			return l.repo.UpdateReservationStatus(ctx, cur.ID, domain.ReservationExpired)
		})
		if err != nil {
			l.logger.WithField("reservation_id", res.ID.String()).Error("failed to expire reservation", err)
			continue
		}
		released++
	}
	return released, nil
}
