package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketTypeStatus string

const (
	TicketTypeActive  TicketTypeStatus = "ACTIVE"
	TicketTypeSoldOut TicketTypeStatus = "SOLD_OUT"
	TicketTypePaused  TicketTypeStatus = "PAUSED"
	TicketTypeRetired TicketTypeStatus = "RETIRED"
)

// TicketType is one sellable tier of an event. The counter columns are
// mutated only through the inventory ledger, under a row lock.
type TicketType struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Tier           string

	UnitPrice     decimal.Decimal
	ServiceFee    decimal.Decimal
	ProcessingFee decimal.Decimal
	FacilityFee   decimal.Decimal
	TaxRate       decimal.Decimal

	TotalQuantity     int
	SoldQuantity      int
	ReservedQuantity  int
	AvailableQuantity int

	SaleStart        time.Time
	SaleEnd          time.Time
	EarlyAccessStart *time.Time

	MinPurchaseQty   int
	MaxPurchaseQty   int
	PerCustomerLimit int

	GroupDiscountMinQty  int
	GroupDiscountPercent decimal.Decimal

	Transferable             bool
	MaxTransfers             int
	TransferRequiresApproval bool
	TransferDeadline         time.Duration
	TransferFee              decimal.Decimal

	Status    TicketTypeStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adjust applies counter deltas and re-derives availability and status.
// Invariant: sold + reserved <= total, no counter negative.
func (t *TicketType) Adjust(soldDelta, reservedDelta int) error {
	sold := t.SoldQuantity + soldDelta
	reserved := t.ReservedQuantity + reservedDelta
	if sold < 0 || reserved < 0 || sold+reserved > t.TotalQuantity {
		return ErrInsufficientInventory
	}
	t.SoldQuantity = sold
	t.ReservedQuantity = reserved
	t.AvailableQuantity = t.TotalQuantity - sold - reserved

	switch {
	case t.AvailableQuantity == 0 && t.Status == TicketTypeActive:
		t.Status = TicketTypeSoldOut
	case t.AvailableQuantity > 0 && t.Status == TicketTypeSoldOut:
		t.Status = TicketTypeActive
	}
	return nil
}

// Sellable reports whether the ledger may take new reservations.
func (t *TicketType) Sellable() bool {
	return t.Status == TicketTypeActive
}

// SaleOpen reports whether now falls inside the sale window, honoring
// the early-access start when configured.
func (t *TicketType) SaleOpen(now time.Time) bool {
	start := t.SaleStart
	if t.EarlyAccessStart != nil && t.EarlyAccessStart.Before(start) {
		start = *t.EarlyAccessStart
	}
	return !now.Before(start) && !now.After(t.SaleEnd)
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a temporary hold of inventory prior to purchase.
type Reservation struct {
	ID         uuid.UUID
	TypeID     uuid.UUID
	CustomerID uuid.UUID
	Quantity   int
	Status     ReservationStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

func NewReservation(typeID, customerID uuid.UUID, qty int, now time.Time, ttl time.Duration) Reservation {
	return Reservation{
		ID:         uuid.New(),
		TypeID:     typeID,
		CustomerID: customerID,
		Quantity:   qty,
		Status:     ReservationActive,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
}
