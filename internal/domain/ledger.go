package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type SyncStatus string

const (
	SyncPending     SyncStatus = "pending"
	SyncMinting     SyncStatus = "minting"
	SyncMinted      SyncStatus = "minted"
	SyncTransferred SyncStatus = "transferred"
	SyncBurned      SyncStatus = "burned"
	SyncError       SyncStatus = "error"
)

var syncTransitions = map[SyncStatus][]SyncStatus{
	SyncPending: {SyncMinting, SyncError},
	SyncMinting: {SyncMinted, SyncError},
	SyncMinted:  {SyncTransferred, SyncBurned, SyncError},
	// a transferred token can be transferred again or burned
	SyncTransferred: {SyncTransferred, SyncBurned, SyncError},
	// a failed submission stays retryable; Advance still requires an
	// external id before minted/transferred
	SyncError: {SyncMinting, SyncTransferred, SyncBurned},
}

// ExternalLedgerRecord mirrors one ticket's state on the external NFT
// ledger. Owned by the reconciler; the rest of the engine only enqueues
// pending work against it.
type ExternalLedgerRecord struct {
	TicketID       uuid.UUID
	ExternalID     *string
	OwnerRef       string
	SyncStatus     SyncStatus
	ErrorDetail    string
	LastVerifiedAt *time.Time
	UpdatedAt      time.Time
}

// Advance moves the record to next, enforcing that minted/transferred
// states carry an external identifier.
func (r *ExternalLedgerRecord) Advance(next SyncStatus, externalID *string) error {
	allowed := false
	for _, s := range syncTransitions[r.SyncStatus] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Wrapf(ErrConsistency, "sync %s -> %s", r.SyncStatus, next)
	}
	if externalID != nil {
		r.ExternalID = externalID
	}
	if (next == SyncMinted || next == SyncTransferred) && r.ExternalID == nil {
		return errors.Wrap(ErrConsistency, "external id required")
	}
	r.SyncStatus = next
	r.ErrorDetail = ""
	return nil
}

// Fail marks the record errored. Terminal states cannot fail and the
// detail must be non-empty.
func (r *ExternalLedgerRecord) Fail(detail string) error {
	if detail == "" {
		return errors.Wrap(ErrInvalidInput, "error detail required")
	}
	if r.SyncStatus == SyncBurned || r.SyncStatus == SyncError {
		return errors.Wrapf(ErrConsistency, "sync %s -> error", r.SyncStatus)
	}
	r.SyncStatus = SyncError
	r.ErrorDetail = detail
	return nil
}

// Discrepancy records one reconciler-detected mismatch between the
// local DB and the external ledger. Never auto-healed.
type Discrepancy struct {
	ID         uuid.UUID
	TicketID   uuid.UUID
	Field      string
	Expected   string
	Observed   string
	DetectedAt time.Time
}
