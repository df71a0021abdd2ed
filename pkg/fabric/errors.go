package fabric

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes fabric table failures so callers can branch on the
// broad class of a failure without pattern-matching every sentinel.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors this package did not tag.
	KindUnknown ErrorKind = iota
	// KindIncorrectState means the requested operation does not apply to the
	// table's current pending-fail-safe state (e.g. committing with no
	// pending data, or adding a second pending fabric).
	KindIncorrectState
	// KindNotFound means the referenced fabric, index, or record does not
	// exist.
	KindNotFound
	// KindInvalidArgument means a caller-supplied value failed validation
	// (bad certificate, label too long, invalid fabric index, ...).
	KindInvalidArgument
	// KindCapacity means the table is full or out of indices.
	KindCapacity
	// KindStorageFailure means the backing KVStore returned an error.
	KindStorageFailure
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindIncorrectState:
		return "IncorrectState"
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindCapacity:
		return "Capacity"
	case KindStorageFailure:
		return "StorageFailure"
	default:
		return "Unknown"
	}
}

// kindError tags a sentinel error with an ErrorKind while staying transparent
// to errors.Is/errors.As via Unwrap.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Kind() ErrorKind { return e.kind }

func tagged(kind ErrorKind, err error) error {
	return &kindError{kind: kind, err: err}
}

// KindOf reports the ErrorKind associated with err, walking the error chain.
// Returns KindUnknown if no fabric error in the chain carries a kind.
func KindOf(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Table/state-machine errors.
var (
	// ErrTableFull is returned when the fabric table is full.
	ErrTableFull = tagged(KindCapacity, errors.New("fabric: table full"))
	// ErrNoAvailableFabricIndex is returned when no fabric index remains.
	ErrNoAvailableFabricIndex = tagged(KindCapacity, errors.New("fabric: no available fabric index"))
	// ErrFabricNotFound is returned when a fabric is not found.
	ErrFabricNotFound = tagged(KindNotFound, errors.New("fabric: not found"))
	// ErrFabricExists is returned when adding a fabric that conflicts with an
	// existing one (same root public key and fabric ID).
	ErrFabricExists = tagged(KindInvalidArgument, errors.New("fabric: fabric already exists with same root key and fabric ID"))
	// ErrLabelConflict is returned when a label is already in use by another fabric.
	ErrLabelConflict = tagged(KindInvalidArgument, errors.New("fabric: label already in use"))
	// ErrFabricIndexInUse is returned when a fabric index is already in use.
	ErrFabricIndexInUse = tagged(KindInvalidArgument, errors.New("fabric: fabric index already in use"))

	// ErrIncorrectState is returned when an operation is invalid for the
	// table's current fail-safe state.
	ErrIncorrectState = tagged(KindIncorrectState, errors.New("fabric: operation not valid in current pending state"))
	// ErrNoPendingRoot is returned when an operation requires a pending root
	// certificate that was never installed.
	ErrNoPendingRoot = tagged(KindIncorrectState, errors.New("fabric: no pending trusted root certificate"))
	// ErrNoPendingFabric is returned when an operation requires pending
	// fabric data that does not exist.
	ErrNoPendingFabric = tagged(KindIncorrectState, errors.New("fabric: no pending fabric data"))
	// ErrPendingFabricExists is returned by AddNewPendingTrustedRootCert or
	// the add operations when a pending add/update is already outstanding.
	ErrPendingFabricExists = tagged(KindIncorrectState, errors.New("fabric: a pending fabric operation is already outstanding"))

	// ErrMissingOperationalKey is returned when commit is attempted without
	// a usable operational keypair (no pending CSR activated, no provided key).
	ErrMissingOperationalKey = tagged(KindIncorrectState, errors.New("fabric: missing operational key for pending fabric"))
	// ErrOpKeyPairMismatch is returned when the NOC public key does not match
	// the operational keypair on file for the fabric.
	ErrOpKeyPairMismatch = tagged(KindInvalidArgument, errors.New("fabric: NOC public key does not match operational keypair"))

	// ErrStorageFailure wraps an underlying KVStore error.
	ErrStorageFailure = tagged(KindStorageFailure, errors.New("fabric: storage operation failed"))

	// ErrLastKnownGoodTimeRegression is returned when setting Last Known Good
	// Time to a value earlier than the current floor.
	ErrLastKnownGoodTimeRegression = tagged(KindInvalidArgument, errors.New("fabric: last known good time cannot move backward"))

	// ErrCommitMarkerMismatch is returned when a commit marker found at
	// startup does not correspond to any fabric index with persisted data.
	ErrCommitMarkerMismatch = tagged(KindStorageFailure, errors.New("fabric: commit marker does not match any persisted fabric"))

	// ErrDestinationIDNotFound is returned when no installed fabric's
	// destination-ID computation matches a CASE Sigma1 candidate.
	ErrDestinationIDNotFound = tagged(KindNotFound, errors.New("fabric: no fabric matches destination identifier"))
)

// storageErr wraps err from a KVStore call with KindStorageFailure, unless
// err is already nil.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return tagged(KindStorageFailure, fmt.Errorf("fabric: storage %s failed: %w", op, err))
}
