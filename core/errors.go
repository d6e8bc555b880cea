package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies a processing failure so callers can branch on
// retry-later vs permanent vs peer-fault without parsing error strings.
type ErrorKind int

const (
	// KindOutOfOrder: previous-id mismatch or timestamp regression. The
	// caller should try the next peer / next candidate, not blacklist.
	KindOutOfOrder ErrorKind = iota
	// KindNotAccepted: version, signature, checksum, identity, or
	// aggregate failure. The peer that supplied the block is at fault.
	KindNotAccepted
	// KindTransactionNotAccepted: a specific transaction failed block
	// validation. Carries the offending transaction.
	KindTransactionNotAccepted
	// KindNotCurrentlyValid: validation that may succeed later (missing
	// reference, future-dependent). Not a permanent rejection.
	KindNotCurrentlyValid
	// KindValidation: permanent invalidity.
	KindValidation
	// KindStop: cooperative cancellation of a long-running loop.
	KindStop
)

func (k ErrorKind) String() string {
	switch k {
	case KindOutOfOrder:
		return "OutOfOrder"
	case KindNotAccepted:
		return "NotAccepted"
	case KindTransactionNotAccepted:
		return "TransactionNotAccepted"
	case KindNotCurrentlyValid:
		return "NotCurrentlyValid"
	case KindValidation:
		return "Validation"
	case KindStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// ProcessingError is the structured error type used throughout the block
// validator, fork reconciler, rescan engine, and generator. It replaces the
// source system's exception hierarchy (BlockOutOfOrderException,
// BlockNotAcceptedException, TransactionNotAcceptedException,
// TransactionNotCurrentlyValidException, ValidationException, StopException)
// with a single tagged type callers branch on via Kind.
type ProcessingError struct {
	Kind ErrorKind
	Msg  string
	Tx   *Transaction // set only for KindTransactionNotAccepted
	Err  error        // wrapped cause, if any
}

func (e *ProcessingError) Error() string {
	if e.Tx != nil {
		return fmt.Sprintf("%s: %s (tx %s)", e.Kind, e.Msg, e.Tx.ID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// NewProcErr builds a ProcessingError with no offending transaction.
func NewProcErr(kind ErrorKind, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewProcErrWrap builds a ProcessingError wrapping a lower-level cause.
func NewProcErrWrap(kind ErrorKind, err error, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewTxNotAccepted builds a KindTransactionNotAccepted error carrying tx.
func NewTxNotAccepted(tx *Transaction, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: KindTransactionNotAccepted, Msg: fmt.Sprintf(format, args...), Tx: tx}
}

// ErrStop is the sentinel cooperative-cancellation error for long-running
// loops (the download loop body, scan, fullReset).
var ErrStop = &ProcessingError{Kind: KindStop, Msg: "stopped"}

// KindOf extracts the ErrorKind from err if it is (or wraps) a
// *ProcessingError, returning ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
