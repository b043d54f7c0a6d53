// Package cogerr implements the error taxonomy shared by every store and
// stage in the memory substrate: NotFound, InvalidInput, IntegrityViolation,
// StorageError, ModelTimeout, ModelProtocolError, BudgetExceeded.
package cogerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the substrate's recovery policies.
type Kind string

const (
	// KindNotFound means a record or node was absent. Surfaced to the
	// caller, not logged at error level.
	KindNotFound Kind = "not_found"
	// KindInvalidInput means a bad tier, bad id, or out-of-range value.
	// Surfaced, logged at warn.
	KindInvalidInput Kind = "invalid_input"
	// KindIntegrityViolation means the operation would break an
	// invariant. Aborts without partial effect, logged at error.
	KindIntegrityViolation Kind = "integrity_violation"
	// KindStorageError means an I/O, permission, or corruption failure.
	// Aborts; the store may enter read-only mode.
	KindStorageError Kind = "storage_error"
	// KindModelTimeout means a model call exceeded its per-call timeout.
	KindModelTimeout Kind = "model_timeout"
	// KindModelProtocolError means the model's output could not be
	// parsed into the expected stage shape.
	KindModelProtocolError Kind = "model_protocol_error"
	// KindBudgetExceeded means the sandbox cycle exceeded its total
	// time budget.
	KindBudgetExceeded Kind = "budget_exceeded"
)

// Error wraps an underlying cause with a Kind and the operation name that
// produced it, so callers can branch on Kind via errors.As without string
// matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound builds a NotFound error for op.
func NotFound(op string, err error) *Error { return New(KindNotFound, op, err) }

// InvalidInput builds an InvalidInput error for op.
func InvalidInput(op string, err error) *Error { return New(KindInvalidInput, op, err) }

// IntegrityViolation builds an IntegrityViolation error for op.
func IntegrityViolation(op string, err error) *Error {
	return New(KindIntegrityViolation, op, err)
}

// StorageErr builds a StorageError error for op. Named StorageErr (not
// StorageError) to avoid colliding with the Kind constant's reader intent.
func StorageErr(op string, err error) *Error { return New(KindStorageError, op, err) }

// ModelTimeout builds a ModelTimeout error for op.
func ModelTimeout(op string, err error) *Error { return New(KindModelTimeout, op, err) }

// ModelProtocolError builds a ModelProtocolError error for op.
func ModelProtocolError(op string, err error) *Error {
	return New(KindModelProtocolError, op, err)
}

// BudgetExceeded builds a BudgetExceeded error for op.
func BudgetExceeded(op string, err error) *Error { return New(KindBudgetExceeded, op, err) }

// Sentinel causes wrapped by the Kind-specific constructors above. Stores
// compare against these with errors.Is when they have no extra context to
// attach.
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrNodeNotFound    = errors.New("concept node not found")
	ErrParentNotFound  = errors.New("parent node not found")
	ErrTooDeep         = errors.New("concept node path exceeds depth cap")
	ErrInvalidTier     = errors.New("tier out of range")
	ErrInvalidID       = errors.New("malformed id")
	ErrNotEmpty        = errors.New("node has children or memory summaries")
	ErrStoreReadOnly   = errors.New("store is in read-only mode after repeated storage errors")
	ErrCycleDetected   = errors.New("path cycle detected")
)
