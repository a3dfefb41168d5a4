package domain

import (
	"time"

	"github.com/google/uuid"
)

type ScanResult string

const (
	ScanAdmitted           ScanResult = "ADMITTED"
	ScanUsed               ScanResult = "USED"
	ScanNotFound           ScanResult = "NOT_FOUND"
	ScanInvalidStatus      ScanResult = "INVALID_STATUS"
	ScanInactive           ScanResult = "INACTIVE"
	ScanOutsideValidity    ScanResult = "OUTSIDE_VALIDITY"
	ScanOutsideEntryWindow ScanResult = "OUTSIDE_ENTRY_WINDOW"
	ScanInProgress         ScanResult = "SCAN_IN_PROGRESS"
)

// Fraud heuristic flags attached to a scan. Flags lower the confidence
// score; they do not gate entry on their own.
const (
	FlagRapidScan     = "RAPID_SCAN"
	FlagRecentReentry = "RECENT_REENTRY"
)

// ScanRecord is the immutable log of one entry-validation attempt.
type ScanRecord struct {
	ID          uuid.UUID
	TicketID    uuid.UUID
	Result      ScanResult
	Admitted    bool
	Location    string
	DeviceID    string
	ValidatorID uuid.UUID
	Flags       []string
	Confidence  float64
	ScannedAt   time.Time
}
