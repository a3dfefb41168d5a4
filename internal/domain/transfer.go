package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferAccepted  TransferStatus = "ACCEPTED"
	TransferRejected  TransferStatus = "REJECTED"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferCancelled TransferStatus = "CANCELLED"
	TransferExpired   TransferStatus = "EXPIRED"
)

type TransferType string

const (
	TransferTypeSale TransferType = "SALE"
	TransferTypeGift TransferType = "GIFT"
)

// TransferRequest is a pending or resolved change of ownership.
type TransferRequest struct {
	ID               uuid.UUID
	TicketID         uuid.UUID
	FromUserID       uuid.UUID
	ToUserID         uuid.UUID
	InitiatorID      uuid.UUID
	Type             TransferType
	Price            decimal.Decimal
	Fee              decimal.Decimal
	RequiresApproval bool
	Status           TransferStatus
	ExpiresAt        time.Time
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

func (r *TransferRequest) Resolved() bool {
	return r.Status != TransferPending
}

func (r *TransferRequest) ExpiredAt(now time.Time) bool {
	return r.Status == TransferPending && now.After(r.ExpiresAt)
}
