package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidTypeState      = errors.New("ticket type is not sellable")
	ErrInvalidTransition     = errors.New("invalid ticket status transition")
	ErrDuplicateIdentifier   = errors.New("duplicate ticket identifier")
	ErrTypeMismatch          = errors.New("ticket type scope mismatch")
	ErrTransferNotAllowed    = errors.New("transfer not allowed")
	ErrExternalDependency    = errors.New("external dependency unavailable")
	ErrConsistency           = errors.New("ledger consistency violation")
)
