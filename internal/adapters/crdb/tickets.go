package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

const ticketColumns = `
	id, type_id, event_id, owner_id, original_purchaser_id,
	number, barcode, verification_hash,
	seat_section, seat_row, seat_number,
	price_paid, fees_paid, status, is_active,
	valid_from, valid_until, entry_allowed_from, entry_cutoff,
	scan_count, first_scanned_at, last_scanned_at,
	transfer_count, transferable, external_ref,
	created_at, updated_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(
		&t.ID, &t.TypeID, &t.EventID, &t.OwnerID, &t.OriginalPurchaserID,
		&t.Number, &t.Barcode, &t.VerificationHash,
		&t.Seat.Section, &t.Seat.Row, &t.Seat.Number,
		&t.PricePaid, &t.FeesPaid, &t.Status, &t.IsActive,
		&t.ValidFrom, &t.ValidUntil, &t.EntryAllowedFrom, &t.EntryCutoff,
		&t.ScanCount, &t.FirstScannedAt, &t.LastScannedAt,
		&t.TransferCount, &t.Transferable, &t.ExternalRef,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return domain.Ticket{}, domain.ErrNotFound
	}
	return t, err
}

func (r *Repository) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`,
		t.ID, t.TypeID, t.EventID, t.OwnerID, t.OriginalPurchaserID,
		t.Number, t.Barcode, t.VerificationHash,
		t.Seat.Section, t.Seat.Row, t.Seat.Number,
		t.PricePaid, t.FeesPaid, t.Status, t.IsActive,
		t.ValidFrom, t.ValidUntil, t.EntryAllowedFrom, t.EntryCutoff,
		t.ScanCount, t.FirstScannedAt, t.LastScannedAt,
		t.TransferCount, t.Transferable, t.ExternalRef,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdentifier
	}
	return err
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (r *Repository) GetTicketForUpdate(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id)
	return scanTicket(row)
}

func (r *Repository) GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE barcode = $1`, barcode)
	return scanTicket(row)
}

func (r *Repository) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE tickets
		SET owner_id = $2, status = $3, is_active = $4,
		    scan_count = $5, first_scanned_at = $6, last_scanned_at = $7,
		    transfer_count = $8, external_ref = $9, updated_at = now()
		WHERE id = $1
	`, t.ID, t.OwnerID, t.Status, t.IsActive,
		t.ScanCount, t.FirstScannedAt, t.LastScannedAt,
		t.TransferCount, t.ExternalRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// NextTicketSequence returns the next value of the monotonic per
// (event, type) issuance counter, creating the row on first use.
func (r *Repository) NextTicketSequence(ctx context.Context, eventID, typeID uuid.UUID) (int64, error) {
	var seq int64
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO ticket_sequences (event_id, type_id, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (event_id, type_id)
		DO UPDATE SET last_value = ticket_sequences.last_value + 1
		RETURNING last_value
	`, eventID, typeID).Scan(&seq)
	return seq, err
}

func (r *Repository) CreateOwnershipRecord(ctx context.Context, rec domain.OwnershipRecord) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO ownership_records
			(id, ticket_id, owner_id, acquisition, owned_from, owned_until, price_paid, source_tx_ref, is_current_owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.TicketID, rec.OwnerID, rec.Acquisition, rec.OwnedFrom, rec.OwnedUntil,
		rec.PricePaid, rec.SourceTxRef, rec.IsCurrentOwner)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// CloseCurrentOwnership ends the open interval of the current owner.
// Called strictly before opening the successor record, within the same
// transaction.
func (r *Repository) CloseCurrentOwnership(ctx context.Context, ticketID uuid.UUID, until time.Time) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE ownership_records
		SET owned_until = $2, is_current_owner = FALSE
		WHERE ticket_id = $1 AND is_current_owner = TRUE
	`, ticketID, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConsistency
	}
	return nil
}

func (r *Repository) GetOwnershipChain(ctx context.Context, ticketID uuid.UUID) ([]domain.OwnershipRecord, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, ticket_id, owner_id, acquisition, owned_from, owned_until, price_paid, source_tx_ref, is_current_owner
		FROM ownership_records WHERE ticket_id = $1 ORDER BY owned_from ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OwnershipRecord
	for rows.Next() {
		var rec domain.OwnershipRecord
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.OwnerID, &rec.Acquisition, &rec.OwnedFrom,
			&rec.OwnedUntil, &rec.PricePaid, &rec.SourceTxRef, &rec.IsCurrentOwner); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
