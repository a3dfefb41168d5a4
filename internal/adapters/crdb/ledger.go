package crdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

const ledgerColumns = `
	ticket_id, external_id, owner_ref, sync_status, error_detail, last_verified_at, updated_at`

func scanLedgerRecord(row pgx.Row) (domain.ExternalLedgerRecord, error) {
	var rec domain.ExternalLedgerRecord
	err := row.Scan(&rec.TicketID, &rec.ExternalID, &rec.OwnerRef, &rec.SyncStatus,
		&rec.ErrorDetail, &rec.LastVerifiedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.ExternalLedgerRecord{}, domain.ErrNotFound
	}
	return rec, err
}

func (r *Repository) CreateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO external_ledger_records (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.TicketID, rec.ExternalID, rec.OwnerRef, rec.SyncStatus, rec.ErrorDetail,
		rec.LastVerifiedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *Repository) GetLedgerRecordForUpdate(ctx context.Context, ticketID uuid.UUID) (domain.ExternalLedgerRecord, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM external_ledger_records WHERE ticket_id = $1 FOR UPDATE
	`, ticketID)
	return scanLedgerRecord(row)
}

func (r *Repository) UpdateLedgerRecord(ctx context.Context, rec domain.ExternalLedgerRecord) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE external_ledger_records
		SET external_id = $2, owner_ref = $3, sync_status = $4, error_detail = $5,
		    last_verified_at = $6, updated_at = now()
		WHERE ticket_id = $1
	`, rec.TicketID, rec.ExternalID, rec.OwnerRef, rec.SyncStatus, rec.ErrorDetail, rec.LastVerifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListLedgerRecords pages through all external records for the drift
// sweep. Read-only snapshot, no locks.
func (r *Repository) ListLedgerRecords(ctx context.Context, afterTicket uuid.UUID, limit int) ([]domain.ExternalLedgerRecord, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+ledgerColumns+` FROM external_ledger_records
		WHERE ticket_id > $1 ORDER BY ticket_id ASC LIMIT $2
	`, afterTicket, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExternalLedgerRecord
	for rows.Next() {
		rec, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) CreateDiscrepancy(ctx context.Context, d domain.Discrepancy) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO ledger_discrepancies (id, ticket_id, field, expected, observed, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.TicketID, d.Field, d.Expected, d.Observed, d.DetectedAt)
	return err
}

func (r *Repository) ListDiscrepancies(ctx context.Context, ticketID uuid.UUID) ([]domain.Discrepancy, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, ticket_id, field, expected, observed, detected_at
		FROM ledger_discrepancies WHERE ticket_id = $1 ORDER BY detected_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		if err := rows.Scan(&d.ID, &d.TicketID, &d.Field, &d.Expected, &d.Observed, &d.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
