package crdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

func (r *Repository) CreateScanRecord(ctx context.Context, rec domain.ScanRecord) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO scan_records
			(id, ticket_id, result, admitted, location, device_id, validator_id, flags, confidence, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.TicketID, rec.Result, rec.Admitted, rec.Location, rec.DeviceID,
		rec.ValidatorID, rec.Flags, rec.Confidence, rec.ScannedAt)
	return err
}

func (r *Repository) GetScanHistory(ctx context.Context, ticketID uuid.UUID, limit int) ([]domain.ScanRecord, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, ticket_id, result, admitted, location, device_id, validator_id, flags, confidence, scanned_at
		FROM scan_records WHERE ticket_id = $1
		ORDER BY scanned_at DESC LIMIT $2
	`, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScanRecord
	for rows.Next() {
		var rec domain.ScanRecord
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.Result, &rec.Admitted, &rec.Location,
			&rec.DeviceID, &rec.ValidatorID, &rec.Flags, &rec.Confidence, &rec.ScannedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
