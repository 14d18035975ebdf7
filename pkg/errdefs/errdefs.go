package errdefs

import (
	"context"
	"errors"
)

// Kind is the stable error classification surfaced to callers. Callers
// see a kind and a message; internal chains stay in the logs.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindConflict              Kind = "CONFLICT"
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindIntegrityViolation    Kind = "INTEGRITY_VIOLATION"
	KindCryptoError           Kind = "CRYPTO_ERROR"
	KindLedgerError           Kind = "LEDGER_ERROR"
	KindStorageError          Kind = "STORAGE_ERROR"
	KindDependencyUnavailable Kind = "DEPENDENCY_UNAVAILABLE"
	KindTimeout               Kind = "TIMEOUT"
	KindInternal              Kind = "INTERNAL"
)

// Sentinel errors, one per kind. Wrap them with
// fmt.Errorf("...: %w", ErrX) and classify with Classify or the Is*
// helpers.
var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrConflict              = errors.New("conflict")
	ErrInvalidInput          = errors.New("invalid input")
	ErrIntegrityViolation    = errors.New("integrity violation")
	ErrCrypto                = errors.New("cryptographic failure")
	ErrLedger                = errors.New("ledger failure")
	ErrStorage               = errors.New("object storage failure")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrTimeout               = errors.New("timed out")
	ErrInternal              = errors.New("internal error")
)

// Classify maps an error chain to its caller-visible kind. Context
// cancellation and deadline expiry classify as TIMEOUT; anything
// unrecognized is INTERNAL.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrIntegrityViolation):
		return KindIntegrityViolation
	case errors.Is(err, ErrCrypto):
		return KindCryptoError
	case errors.Is(err, ErrLedger):
		return KindLedgerError
	case errors.Is(err, ErrStorage):
		return KindStorageError
	case errors.Is(err, ErrDependencyUnavailable):
		return KindDependencyUnavailable
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Retryable reports whether the error is transient and worth a bounded
// local retry. Integrity violations are never retryable.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindDependencyUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether the chain carries ErrNotFound
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether the chain carries ErrForbidden
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether the chain carries ErrConflict
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsIntegrityViolation reports whether the chain carries ErrIntegrityViolation
func IsIntegrityViolation(err error) bool { return errors.Is(err, ErrIntegrityViolation) }
