// Package apperr defines the engine's error taxonomy. Every failure a
// caller can act on is one of these kinds; handlers map kinds to HTTP
// status codes exactly once.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindValidation: missing or out-of-range input, bad enum, incompatible
	// payment method, missing channel details.
	KindValidation Kind = iota + 1
	// KindAuthorization: actor is not the listing's seller, offer's buyer,
	// or not an admin.
	KindAuthorization
	// KindState: operation illegal in the current offer/listing state.
	KindState
	// KindDeadline: pending TTL expired or payment deadline passed.
	KindDeadline
	// KindInsufficientInventory: seller cannot cover the debit at
	// settlement.
	KindInsufficientInventory
	// KindListingExhausted: shares exceed remaining by the time settlement
	// holds the lock.
	KindListingExhausted
	// KindNotFound: unknown id.
	KindNotFound
	// KindConflict: e.g. delete on a non-terminal offer, bulk item already
	// completed.
	KindConflict
	// KindDependency: store, blob, or notifier failure.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindDeadline:
		return "deadline"
	case KindInsufficientInventory:
		return "insufficient_inventory"
	case KindListingExhausted:
		return "listing_exhausted"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error carries a kind, a caller-facing message, and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two taxonomy errors match on kind, so callers can write
// errors.Is(err, apperr.Validation("")) style checks via the helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// Authorization builds a KindAuthorization error.
func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

// State builds a KindState error.
func State(format string, args ...any) *Error { return newf(KindState, format, args...) }

// Deadline builds a KindDeadline error.
func Deadline(format string, args ...any) *Error { return newf(KindDeadline, format, args...) }

// InsufficientInventory builds a KindInsufficientInventory error.
func InsufficientInventory(format string, args ...any) *Error {
	return newf(KindInsufficientInventory, format, args...)
}

// ListingExhausted builds a KindListingExhausted error.
func ListingExhausted(format string, args ...any) *Error {
	return newf(KindListingExhausted, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// Dependency wraps a collaborator failure.
func Dependency(err error, format string, args ...any) *Error {
	return &Error{Kind: KindDependency, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; zero if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// HTTPStatus maps an error to the status code the handler layer writes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState, KindConflict, KindListingExhausted, KindInsufficientInventory:
		return http.StatusConflict
	case KindDeadline:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
