package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketAvailable   TicketStatus = "AVAILABLE"
	TicketReserved    TicketStatus = "RESERVED"
	TicketSold        TicketStatus = "SOLD"
	TicketTransferred TicketStatus = "TRANSFERRED"
	TicketUsed        TicketStatus = "USED"
	TicketRefunded    TicketStatus = "REFUNDED"
	TicketCancelled   TicketStatus = "CANCELLED"
	TicketExpired     TicketStatus = "EXPIRED"
	TicketVoid        TicketStatus = "VOID"
)

// ticketTransitions is the full transition table. Statuses absent as a
// key are terminal.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketAvailable:   {TicketReserved, TicketSold},
	TicketReserved:    {TicketSold, TicketAvailable, TicketExpired},
	TicketSold:        {TicketTransferred, TicketUsed, TicketRefunded, TicketCancelled},
	TicketTransferred: {TicketTransferred, TicketUsed, TicketRefunded, TicketCancelled},
}

func (s TicketStatus) Terminal() bool {
	_, ok := ticketTransitions[s]
	return !ok
}

func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Seat struct {
	Section string
	Row     string
	Number  string
}

// Ticket is one individually owned, scannable unit.
type Ticket struct {
	ID                  uuid.UUID
	TypeID              uuid.UUID
	EventID             uuid.UUID
	OwnerID             uuid.UUID
	OriginalPurchaserID uuid.UUID

	Number           string
	Barcode          string
	VerificationHash string
	Seat             Seat

	PricePaid decimal.Decimal
	FeesPaid  decimal.Decimal

	Status   TicketStatus
	IsActive bool

	ValidFrom        time.Time
	ValidUntil       time.Time
	EntryAllowedFrom time.Time
	EntryCutoff      time.Time

	ScanCount      int
	FirstScannedAt *time.Time
	LastScannedAt  *time.Time

	TransferCount int
	Transferable  bool

	ExternalRef *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition moves the ticket to next or fails with ErrInvalidTransition
// leaving it unchanged.
func (t *Ticket) Transition(next TicketStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	t.Status = next
	return nil
}

type AcquisitionType string

const (
	AcquisitionPurchase AcquisitionType = "PURCHASE"
	AcquisitionTransfer AcquisitionType = "TRANSFER"
	AcquisitionGift     AcquisitionType = "GIFT"
	AcquisitionComp     AcquisitionType = "COMP"
)

// OwnershipRecord is one append-only entry in a ticket's ownership
// chain. Exactly one record per ticket is current at any time; closing
// the previous interval happens in the same transaction that opens the
// next one.
type OwnershipRecord struct {
	ID             uuid.UUID
	TicketID       uuid.UUID
	OwnerID        uuid.UUID
	Acquisition    AcquisitionType
	OwnedFrom      time.Time
	OwnedUntil     *time.Time
	PricePaid      decimal.Decimal
	SourceTxRef    string
	IsCurrentOwner bool
}

func NewOwnershipRecord(ticketID, ownerID uuid.UUID, acq AcquisitionType, price decimal.Decimal, txRef string, now time.Time) OwnershipRecord {
	return OwnershipRecord{
		ID:             uuid.New(),
		TicketID:       ticketID,
		OwnerID:        ownerID,
		Acquisition:    acq,
		OwnedFrom:      now,
		PricePaid:      price,
		SourceTxRef:    txRef,
		IsCurrentOwner: true,
	}
}
