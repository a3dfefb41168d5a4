package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

const transferColumns = `
	id, ticket_id, from_user_id, to_user_id, initiator_id, type,
	price, fee, requires_approval, status, expires_at, created_at, resolved_at`

func scanTransfer(row pgx.Row) (domain.TransferRequest, error) {
	var t domain.TransferRequest
	err := row.Scan(
		&t.ID, &t.TicketID, &t.FromUserID, &t.ToUserID, &t.InitiatorID, &t.Type,
		&t.Price, &t.Fee, &t.RequiresApproval, &t.Status, &t.ExpiresAt, &t.CreatedAt, &t.ResolvedAt,
	)
	if err == pgx.ErrNoRows {
		return domain.TransferRequest{}, domain.ErrNotFound
	}
	return t, err
}

func (r *Repository) CreateTransferRequest(ctx context.Context, t domain.TransferRequest) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO transfer_requests (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.TicketID, t.FromUserID, t.ToUserID, t.InitiatorID, t.Type,
		t.Price, t.Fee, t.RequiresApproval, t.Status, t.ExpiresAt, t.CreatedAt, t.ResolvedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *Repository) GetTransferRequestForUpdate(ctx context.Context, id uuid.UUID) (domain.TransferRequest, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1 FOR UPDATE`, id)
	return scanTransfer(row)
}

func (r *Repository) ResolveTransferRequest(ctx context.Context, id uuid.UUID, status domain.TransferStatus, at time.Time) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE transfer_requests SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *Repository) GetExpiredTransferRequests(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfer_requests
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransferRequest
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
