package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const ticketTypeColumns = `
	id, event_id, organization_id, name, tier,
	unit_price, service_fee, processing_fee, facility_fee, tax_rate,
	total_quantity, sold_quantity, reserved_quantity,
	sale_start, sale_end, early_access_start,
	min_purchase_qty, max_purchase_qty, per_customer_limit,
	group_discount_min_qty, group_discount_percent,
	transferable, max_transfers, transfer_requires_approval,
	transfer_deadline_seconds, transfer_fee,
	status, created_at, updated_at`

func scanTicketType(row pgx.Row) (domain.TicketType, error) {
	var t domain.TicketType
	var deadlineSeconds int64
	err := row.Scan(
		&t.ID, &t.EventID, &t.OrganizationID, &t.Name, &t.Tier,
		&t.UnitPrice, &t.ServiceFee, &t.ProcessingFee, &t.FacilityFee, &t.TaxRate,
		&t.TotalQuantity, &t.SoldQuantity, &t.ReservedQuantity,
		&t.SaleStart, &t.SaleEnd, &t.EarlyAccessStart,
		&t.MinPurchaseQty, &t.MaxPurchaseQty, &t.PerCustomerLimit,
		&t.GroupDiscountMinQty, &t.GroupDiscountPercent,
		&t.Transferable, &t.MaxTransfers, &t.TransferRequiresApproval,
		&deadlineSeconds, &t.TransferFee,
		&t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return domain.TicketType{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TicketType{}, err
	}
	t.TransferDeadline = time.Duration(deadlineSeconds) * time.Second
	t.AvailableQuantity = t.TotalQuantity - t.SoldQuantity - t.ReservedQuantity
	return t, nil
}

func (r *Repository) GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id)
	return scanTicketType(row)
}

// GetTypeForUpdate locks the type row for the rest of the transaction.
// All counter mutations go through this lock.
func (r *Repository) GetTypeForUpdate(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	if txFromContext(ctx) == nil {
		return domain.TicketType{}, errors.Wrap(domain.ErrInvalidInput, "row lock requires a transaction")
	}
	row := r.q(ctx).QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id)
	return scanTicketType(row)
}

func (r *Repository) CreateType(ctx context.Context, t domain.TicketType) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO ticket_types (`+ticketTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`,
		t.ID, t.EventID, t.OrganizationID, t.Name, t.Tier,
		t.UnitPrice, t.ServiceFee, t.ProcessingFee, t.FacilityFee, t.TaxRate,
		t.TotalQuantity, t.SoldQuantity, t.ReservedQuantity,
		t.SaleStart, t.SaleEnd, t.EarlyAccessStart,
		t.MinPurchaseQty, t.MaxPurchaseQty, t.PerCustomerLimit,
		t.GroupDiscountMinQty, t.GroupDiscountPercent,
		t.Transferable, t.MaxTransfers, t.TransferRequiresApproval,
		int64(t.TransferDeadline/time.Second), t.TransferFee,
		t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// UpdateTypeCounters persists counters and status recomputed by the
// ledger. Must run under the same lock that read them.
func (r *Repository) UpdateTypeCounters(ctx context.Context, t domain.TicketType) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE ticket_types
		SET sold_quantity = $2, reserved_quantity = $3, status = $4, updated_at = now()
		WHERE id = $1
	`, t.ID, t.SoldQuantity, t.ReservedQuantity, t.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO reservations (id, type_id, customer_id, quantity, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.TypeID, res.CustomerID, res.Quantity, res.Status, res.ExpiresAt, res.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	var res domain.Reservation
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, type_id, customer_id, quantity, status, expires_at, created_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.TypeID, &res.CustomerID, &res.Quantity, &res.Status, &res.ExpiresAt, &res.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, err
}

func (r *Repository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	var res domain.Reservation
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, type_id, customer_id, quantity, status, expires_at, created_at
		FROM reservations WHERE id = $1 FOR UPDATE
	`, id).Scan(&res.ID, &res.TypeID, &res.CustomerID, &res.Quantity, &res.Status, &res.ExpiresAt, &res.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, err
}

func (r *Repository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE reservations SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) GetExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, type_id, customer_id, quantity, status, expires_at, created_at
		FROM reservations
		WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.TypeID, &res.CustomerID, &res.Quantity, &res.Status, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CountCustomerPurchases sums a customer's non-cancelled, non-refunded
// tickets of one type, for the lifetime cap rule.
func (r *Repository) CountCustomerPurchases(ctx context.Context, typeID, customerID uuid.UUID) (int, error) {
	var n int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE type_id = $1 AND original_purchaser_id = $2
		  AND status NOT IN ('CANCELLED', 'REFUNDED', 'VOID')
	`, typeID, customerID).Scan(&n)
	return n, err
}
